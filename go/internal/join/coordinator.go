package join

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizslot/go/internal/backend"
	"github.com/mcdev12/quizslot/go/internal/models"
)

const (
	// Grace is how long before the nominal start the backend accepts a join.
	Grace = 5 * time.Second
	// EarlyLead widens the window before the grace period in which a join
	// is scheduled rather than only pre-registered.
	EarlyLead = 1500 * time.Millisecond
	// BorderlineCutoff ends the scheduling window this close to start.
	BorderlineCutoff = 300 * time.Millisecond
	// FireLead places the boundary attempt just inside the grace period.
	FireLead = 100 * time.Millisecond
	// NotActiveBackoff is the delay before the single retry after a
	// not-yet-active rejection.
	NotActiveBackoff = 600 * time.Millisecond
)

var (
	ErrCoordinatorClosed = errors.New("join coordinator closed")
	ErrJoinCancelled     = errors.New("join cancelled")
)

// Client is the part of the backend the coordinator calls.
type Client interface {
	PreJoin(ctx context.Context, roundID string) error
	Join(ctx context.Context, roundID string) error
}

// Coordinator decides between pre-join and join for rounds and owns the
// per-round schedule of boundary attempts. At most one attempt per round id
// is in flight or scheduled at a time.
type Coordinator struct {
	client Client
	clock  clockwork.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	schedules     map[string]*attempt
	inFlight      map[string]struct{}
	cancelled     map[string]struct{}
	onResult      func(roundID string, outcome Outcome)
	closed        bool
	timersCreated int
}

// NewCoordinator creates a coordinator. ctx bounds the lifetime of
// scheduled attempts and supplies request values, such as the caller
// identity, to the joins they make.
func NewCoordinator(ctx context.Context, client Client, clock clockwork.Clock) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Coordinator{
		client:    client,
		clock:     clock,
		ctx:       ctx,
		cancel:    cancel,
		schedules: make(map[string]*attempt),
		inFlight:  make(map[string]struct{}),
		cancelled: make(map[string]struct{}),
	}
}

// OnResult registers a callback for outcomes of scheduled attempts when
// they fire.
func (c *Coordinator) OnResult(fn func(roundID string, outcome Outcome)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResult = fn
}

// Coordinate makes the right call for round at the current instant.
func (c *Coordinator) Coordinate(ctx context.Context, round models.Round) Outcome {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return failed(ErrCoordinatorClosed)
	}

	if !round.HasBounds() {
		return c.preJoin(ctx, round.ID)
	}

	now := c.clock.Now()
	start, end := *round.StartTime, *round.EndTime
	earlyThreshold := start.Add(-Grace - EarlyLead)

	switch {
	case now.Before(earlyThreshold):
		return c.preJoin(ctx, round.ID)
	case now.Before(start.Add(-BorderlineCutoff)):
		return c.borderline(ctx, round.ID, start)
	case !now.Before(start.Add(-Grace)) && now.Before(end):
		return c.join(ctx, round.ID)
	default:
		log.Debug().Str("round_id", round.ID).Time("end_time", end).Msg("round over, falling back to pre-join")
		return c.preJoin(ctx, round.ID)
	}
}

func (c *Coordinator) preJoin(ctx context.Context, roundID string) Outcome {
	err := c.client.PreJoin(ctx, roundID)
	if err != nil && backend.KindOf(err) != backend.KindAlreadyJoined {
		log.Error().Err(err).Str("round_id", roundID).Msg("pre-join failed")
		return failed(fmt.Errorf("pre-join round %s: %w", roundID, err))
	}
	return preJoined()
}

// borderline registers interest and arms a join just inside the grace
// period.
func (c *Coordinator) borderline(ctx context.Context, roundID string, start time.Time) Outcome {
	if err := c.client.PreJoin(ctx, roundID); err != nil && backend.KindOf(err) != backend.KindAlreadyJoined {
		log.Warn().Err(err).Str("round_id", roundID).Msg("pre-join before boundary failed, scheduling join anyway")
	}

	fireAt := start.Add(-(Grace - FireLead))
	if !c.schedule(roundID, fireAt, false) {
		return pending()
	}
	return scheduledAt(fireAt)
}

func (c *Coordinator) join(ctx context.Context, roundID string) Outcome {
	c.mu.Lock()
	_, scheduled := c.schedules[roundID]
	_, busy := c.inFlight[roundID]
	if scheduled || busy {
		c.mu.Unlock()
		return pending()
	}
	c.inFlight[roundID] = struct{}{}
	c.mu.Unlock()

	err := c.client.Join(ctx, roundID)
	return c.settle(roundID, err, false)
}

// fire runs a scheduled attempt. The caller has marked roundID in flight.
func (c *Coordinator) fire(roundID string, retry bool) Outcome {
	err := c.client.Join(c.ctx, roundID)
	return c.settle(roundID, err, retry)
}

// settle ends the in-flight attempt and maps its result to an outcome. A
// not-yet-active rejection gets one follow-up attempt unless the round was
// cancelled while the join was out; a rejection of that follow-up is an
// error.
func (c *Coordinator) settle(roundID string, err error, retry bool) Outcome {
	kind := backend.KindOf(err)

	c.mu.Lock()
	delete(c.inFlight, roundID)
	_, cancelled := c.cancelled[roundID]
	delete(c.cancelled, roundID)
	var at time.Time
	var armed bool
	if err != nil && kind == backend.KindNotYetActive && !retry && !cancelled {
		at = c.clock.Now().Add(NotActiveBackoff)
		armed = c.scheduleLocked(roundID, at, true)
	}
	c.mu.Unlock()

	if err == nil {
		log.Info().Str("round_id", roundID).Msg("joined round")
		return joined()
	}

	switch kind {
	case backend.KindAlreadyJoined:
		return already()
	case backend.KindNotYetActive:
		switch {
		case retry:
			log.Warn().Err(err).Str("round_id", roundID).Msg("round still not active after retry")
			return failed(fmt.Errorf("join round %s: %w", roundID, err))
		case cancelled:
			log.Debug().Str("round_id", roundID).Msg("join cancelled while in flight, not retrying")
			return failed(fmt.Errorf("join round %s: %w", roundID, ErrJoinCancelled))
		case !armed:
			return pending()
		}
		return scheduledAt(at)
	default:
		log.Error().Err(err).Str("round_id", roundID).Msg("join failed")
		return failed(fmt.Errorf("join round %s: %w", roundID, err))
	}
}

func (c *Coordinator) report(roundID string, outcome Outcome) {
	c.mu.Lock()
	fn := c.onResult
	c.mu.Unlock()

	log.Debug().Str("round_id", roundID).Str("outcome", outcome.String()).Msg("scheduled join attempt finished")
	if fn != nil {
		fn(roundID, outcome)
	}
}

// Close cancels every pending attempt and waits for fired ones to return.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id := range c.schedules {
		c.cancelLocked(id)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}
