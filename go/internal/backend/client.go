package backend

import (
	"context"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/mcdev12/quizslot/go/internal/models"
)

// ConnectClient is a Backend that talks to the round service over connect.
type ConnectClient struct {
	fetchRounds    *connect.Client[FetchRoundsRequest, FetchRoundsResponse]
	preJoin        *connect.Client[RoundRequest, Ack]
	join           *connect.Client[RoundRequest, Ack]
	submitAnswer   *connect.Client[SubmitAnswerRequest, Ack]
	computeResults *connect.Client[RoundRequest, Ack]
}

// NewHTTPClient returns the HTTP client used for backend calls. The
// coordinator has no timeout of its own; this one bounds every call.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// NewConnectClient creates a client for the round service at baseURL.
func NewConnectClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *ConnectClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithInterceptors(userInterceptor()),
	}, opts...)

	return &ConnectClient{
		fetchRounds:    connect.NewClient[FetchRoundsRequest, FetchRoundsResponse](httpClient, baseURL+FetchRoundsProcedure, opts...),
		preJoin:        connect.NewClient[RoundRequest, Ack](httpClient, baseURL+PreJoinProcedure, opts...),
		join:           connect.NewClient[RoundRequest, Ack](httpClient, baseURL+JoinProcedure, opts...),
		submitAnswer:   connect.NewClient[SubmitAnswerRequest, Ack](httpClient, baseURL+SubmitAnswerProcedure, opts...),
		computeResults: connect.NewClient[RoundRequest, Ack](httpClient, baseURL+ComputeResultsIfDueProcedure, opts...),
	}
}

func (c *ConnectClient) FetchRounds(ctx context.Context, category string) ([]models.Round, error) {
	resp, err := c.fetchRounds.CallUnary(ctx, connect.NewRequest(&FetchRoundsRequest{Category: category}))
	if err != nil {
		return nil, fromConnectError(OpFetchRounds, "", err)
	}
	return resp.Msg.Rounds, nil
}

func (c *ConnectClient) PreJoin(ctx context.Context, roundID string) error {
	_, err := c.preJoin.CallUnary(ctx, connect.NewRequest(&RoundRequest{RoundID: roundID}))
	return fromConnectError(OpPreJoin, roundID, err)
}

func (c *ConnectClient) Join(ctx context.Context, roundID string) error {
	_, err := c.join.CallUnary(ctx, connect.NewRequest(&RoundRequest{RoundID: roundID}))
	return fromConnectError(OpJoin, roundID, err)
}

func (c *ConnectClient) SubmitAnswer(ctx context.Context, answer models.Answer) error {
	_, err := c.submitAnswer.CallUnary(ctx, connect.NewRequest(&SubmitAnswerRequest{Answer: answer}))
	return fromConnectError(OpSubmitAnswer, answer.RoundID, err)
}

func (c *ConnectClient) ComputeResultsIfDue(ctx context.Context, roundID string) error {
	_, err := c.computeResults.CallUnary(ctx, connect.NewRequest(&RoundRequest{RoundID: roundID}))
	return fromConnectError(OpComputeResultsIfDue, roundID, err)
}
