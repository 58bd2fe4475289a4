package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizslot/go/internal/backend"
	"github.com/mcdev12/quizslot/go/internal/backend/postgres"
	"github.com/mcdev12/quizslot/go/internal/models"
)

// CategoryLookup resolves which category a round belongs to.
type CategoryLookup interface {
	Category(ctx context.Context, roundID string) (string, error)
}

func newEvent(clock clockwork.Clock, roundID, category, reason string) models.RoundEvent {
	return models.RoundEvent{
		EventID:   uuid.NewString(),
		EventType: models.EventRoundChanged,
		RoundID:   roundID,
		Category:  category,
		Reason:    reason,
		Timestamp: clock.Now().UTC(),
	}
}

// Relay publishes the store's row change notifications.
type Relay struct {
	publisher Publisher
	lookup    CategoryLookup
	clock     clockwork.Clock
}

func NewRelay(publisher Publisher, lookup CategoryLookup, clock clockwork.Clock) *Relay {
	return &Relay{publisher: publisher, lookup: lookup, clock: clock}
}

func (r *Relay) RoundChanged(ctx context.Context, change postgres.Change) error {
	category, err := r.lookup.Category(ctx, change.RoundID)
	if err != nil {
		// A deleted round has nothing to refresh.
		if backend.KindOf(err) == backend.KindNotFound {
			return nil
		}
		return err
	}
	return r.publisher.Publish(ctx, newEvent(r.clock, change.RoundID, category, change.Reason))
}

// Notifying publishes a change event after every successful mutation of the
// wrapped backend. It is used when the store has no change trigger of its
// own. Publish failures are logged; the mutation already happened.
type Notifying struct {
	backend.Backend
	publisher Publisher
	clock     clockwork.Clock

	mu         sync.RWMutex
	categories map[string]string
}

func NewNotifying(next backend.Backend, publisher Publisher, clock clockwork.Clock) *Notifying {
	return &Notifying{
		Backend:    next,
		publisher:  publisher,
		clock:      clock,
		categories: make(map[string]string),
	}
}

// FetchRounds also learns round categories for later events.
func (n *Notifying) FetchRounds(ctx context.Context, category string) ([]models.Round, error) {
	rounds, err := n.Backend.FetchRounds(ctx, category)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	for _, r := range rounds {
		n.categories[r.ID] = r.Category
	}
	n.mu.Unlock()
	return rounds, nil
}

func (n *Notifying) PreJoin(ctx context.Context, roundID string) error {
	if err := n.Backend.PreJoin(ctx, roundID); err != nil {
		return err
	}
	n.notify(ctx, roundID, "pre_join")
	return nil
}

func (n *Notifying) Join(ctx context.Context, roundID string) error {
	if err := n.Backend.Join(ctx, roundID); err != nil {
		return err
	}
	n.notify(ctx, roundID, "join")
	return nil
}

func (n *Notifying) ComputeResultsIfDue(ctx context.Context, roundID string) error {
	if err := n.Backend.ComputeResultsIfDue(ctx, roundID); err != nil {
		return err
	}
	n.notify(ctx, roundID, "results")
	return nil
}

func (n *Notifying) notify(ctx context.Context, roundID, reason string) {
	n.mu.RLock()
	category, ok := n.categories[roundID]
	n.mu.RUnlock()
	if !ok {
		log.Debug().Str("round_id", roundID).Msg("no category known for round, skipping change event")
		return
	}
	if err := n.publisher.Publish(ctx, newEvent(n.clock, roundID, category, reason)); err != nil {
		log.Warn().Err(err).Str("round_id", roundID).Str("reason", reason).Msg("failed to publish round change")
	}
}
