package backend

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
	"github.com/rs/zerolog/log"
)

// NewHandler exposes b as the round service. It returns the path prefix to
// mount the handler on.
func NewHandler(b Backend, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithInterceptors(userInterceptor()),
	}, opts...)

	mux := http.NewServeMux()
	mux.Handle(FetchRoundsProcedure, connect.NewUnaryHandler(FetchRoundsProcedure,
		func(ctx context.Context, req *connect.Request[FetchRoundsRequest]) (*connect.Response[FetchRoundsResponse], error) {
			if req.Msg.Category == "" {
				return nil, connect.NewError(connect.CodeInvalidArgument, errMissing("category"))
			}
			rounds, err := b.FetchRounds(ctx, req.Msg.Category)
			if err != nil {
				log.Error().Err(err).Str("category", req.Msg.Category).Msg("failed to fetch rounds")
				return nil, toConnectError(err)
			}
			return connect.NewResponse(&FetchRoundsResponse{Rounds: rounds}), nil
		}, opts...))

	mux.Handle(PreJoinProcedure, roundHandler(PreJoinProcedure, OpPreJoin, b.PreJoin, opts))
	mux.Handle(JoinProcedure, roundHandler(JoinProcedure, OpJoin, b.Join, opts))
	mux.Handle(ComputeResultsIfDueProcedure, roundHandler(ComputeResultsIfDueProcedure, OpComputeResultsIfDue, b.ComputeResultsIfDue, opts))

	mux.Handle(SubmitAnswerProcedure, connect.NewUnaryHandler(SubmitAnswerProcedure,
		func(ctx context.Context, req *connect.Request[SubmitAnswerRequest]) (*connect.Response[Ack], error) {
			a := req.Msg.Answer
			if a.RoundID == "" || a.QuestionID == "" || a.OptionID == "" {
				return nil, connect.NewError(connect.CodeInvalidArgument, errMissing("answer field"))
			}
			if err := b.SubmitAnswer(ctx, a); err != nil {
				log.Warn().Err(err).Str("round_id", a.RoundID).Str("question_id", a.QuestionID).Msg("submit answer failed")
				return nil, toConnectError(err)
			}
			return connect.NewResponse(&Ack{}), nil
		}, opts...))

	return "/" + RoundServiceName + "/", mux
}

func roundHandler(procedure, op string, call func(context.Context, string) error, opts []connect.HandlerOption) http.Handler {
	return connect.NewUnaryHandler(procedure,
		func(ctx context.Context, req *connect.Request[RoundRequest]) (*connect.Response[Ack], error) {
			if req.Msg.RoundID == "" {
				return nil, connect.NewError(connect.CodeInvalidArgument, errMissing("round_id"))
			}
			if err := call(ctx, req.Msg.RoundID); err != nil {
				log.Debug().Err(err).Str("op", op).Str("round_id", req.Msg.RoundID).Msg("round call failed")
				return nil, toConnectError(err)
			}
			return connect.NewResponse(&Ack{}), nil
		}, opts...)
}

type missingFieldError string

func (e missingFieldError) Error() string { return "invalid request: missing " + string(e) }

func errMissing(field string) error { return missingFieldError(field) }
