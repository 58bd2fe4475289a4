package backend

import (
	"context"
	"encoding/json"
	"errors"

	"connectrpc.com/connect"
	"github.com/mcdev12/quizslot/go/internal/models"
)

// RoundServiceName is the fully-qualified name of the round service.
const RoundServiceName = "quizslot.v1.RoundService"

// Procedure paths served by NewHandler and called by ConnectClient.
const (
	FetchRoundsProcedure         = "/" + RoundServiceName + "/FetchRounds"
	PreJoinProcedure             = "/" + RoundServiceName + "/PreJoin"
	JoinProcedure                = "/" + RoundServiceName + "/Join"
	SubmitAnswerProcedure        = "/" + RoundServiceName + "/SubmitAnswer"
	ComputeResultsIfDueProcedure = "/" + RoundServiceName + "/ComputeResultsIfDue"
)

type FetchRoundsRequest struct {
	Category string `json:"category"`
}

type FetchRoundsResponse struct {
	Rounds []models.Round `json:"rounds"`
}

type RoundRequest struct {
	RoundID string `json:"round_id"`
}

type SubmitAnswerRequest struct {
	Answer models.Answer `json:"answer"`
}

// Ack is the empty response of mutating procedures.
type Ack struct{}

// jsonCodec lets connect carry plain Go structs; there are no protobuf
// schemas for this service.
type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// userInterceptor propagates the caller identity. On clients it copies the
// context user into the header, on handlers it does the reverse.
func userInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if req.Spec().IsClient {
				if userID, ok := UserFromContext(ctx); ok {
					req.Header().Set(UserHeader, userID)
				}
			} else if userID := req.Header().Get(UserHeader); userID != "" {
				ctx = WithUser(ctx, userID)
			}
			return next(ctx, req)
		}
	}
}

func kindToCode(kind ErrorKind) connect.Code {
	switch kind {
	case KindAlreadyJoined:
		return connect.CodeAlreadyExists
	case KindNotYetActive:
		return connect.CodeFailedPrecondition
	case KindNotFound:
		return connect.CodeNotFound
	case KindRejected:
		return connect.CodeInvalidArgument
	default:
		return connect.CodeUnknown
	}
}

func codeToKind(code connect.Code, message string) ErrorKind {
	switch code {
	case connect.CodeAlreadyExists:
		return KindAlreadyJoined
	case connect.CodeFailedPrecondition:
		return KindNotYetActive
	case connect.CodeNotFound:
		return KindNotFound
	case connect.CodeInvalidArgument:
		return KindRejected
	case connect.CodeCanceled, connect.CodeDeadlineExceeded, connect.CodeUnavailable:
		return KindOther
	default:
		return ClassifyReason(message)
	}
}

// toConnectError converts a backend error into a connect error for the wire.
func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var ce *connect.Error
	if errors.As(err, &ce) {
		return err
	}
	var be *Error
	if errors.As(err, &be) {
		return connect.NewError(kindToCode(be.Kind), be.Err)
	}
	return connect.NewError(connect.CodeUnknown, err)
}

// fromConnectError classifies an error returned by a connect call.
func fromConnectError(op, roundID string, err error) error {
	if err == nil {
		return nil
	}
	var ce *connect.Error
	if errors.As(err, &ce) {
		return NewError(codeToKind(ce.Code(), ce.Message()), op, roundID, errors.New(ce.Message()))
	}
	return NewError(KindOther, op, roundID, err)
}
