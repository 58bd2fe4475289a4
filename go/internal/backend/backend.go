package backend

import (
	"context"

	"github.com/mcdev12/quizslot/go/internal/models"
)

// Backend is the authoritative round data service. It owns persistence and
// round state; clients only read rounds and request mutations.
type Backend interface {
	FetchRounds(ctx context.Context, category string) ([]models.Round, error)
	PreJoin(ctx context.Context, roundID string) error
	Join(ctx context.Context, roundID string) error
	SubmitAnswer(ctx context.Context, answer models.Answer) error
	// ComputeResultsIfDue is a best-effort finalization hint.
	ComputeResultsIfDue(ctx context.Context, roundID string) error
}

// UserHeader carries the caller identity on the wire.
const UserHeader = "X-Quiz-User"

type userKey struct{}

// WithUser returns a context carrying the calling user's id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the calling user's id, if any.
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userKey{}).(string)
	return userID, ok && userID != ""
}
