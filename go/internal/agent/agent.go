package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizslot/go/internal/backend"
	"github.com/mcdev12/quizslot/go/internal/join"
	"github.com/mcdev12/quizslot/go/internal/models"
	"github.com/mcdev12/quizslot/go/internal/retryqueue"
	"github.com/mcdev12/quizslot/go/internal/rounds"
	"github.com/mcdev12/quizslot/go/internal/session"
	"github.com/mcdev12/quizslot/go/internal/timing"
)

var ErrSessionNotFound = errors.New("session not found")

type Options struct {
	UserID          string
	Categories      []string
	PollInterval    time.Duration
	RefreshInterval time.Duration
	Queue           retryqueue.Config
	// DropRejected stops retrying answers the backend rejects as invalid.
	// Any other failure, including not found, is always retried.
	DropRejected bool
}

// Agent runs the client side of the quiz for one user: the round cache, the
// join coordinator, the answer queue and one session per open round.
type Agent struct {
	backend backend.Backend
	clock   clockwork.Clock
	opts    Options
	hub     *Hub

	cache       *rounds.Cache
	coordinator *join.Coordinator
	queue       *retryqueue.Queue[models.Answer]
	worker      *retryqueue.Worker[models.Answer]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*openSession
}

type openSession struct {
	session *session.Session
	cancel  context.CancelFunc
}

// New wires the components over b. Every backend call carries
// opts.UserID.
func New(b backend.Backend, clock clockwork.Clock, hub *Hub, opts Options) *Agent {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = session.DefaultPollInterval
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 15 * time.Second
	}
	b = userBackend{Backend: b, userID: opts.UserID}

	ctx, cancel := context.WithCancel(backend.WithUser(context.Background(), opts.UserID))
	a := &Agent{
		backend:  b,
		clock:    clock,
		opts:     opts,
		hub:      hub,
		cache:    rounds.NewCache(b, clock),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*openSession),
	}

	a.coordinator = join.NewCoordinator(ctx, b, clock)
	a.coordinator.OnResult(a.dispatchJoinResult)

	a.queue = retryqueue.New(opts.Queue, clock, func(ctx context.Context, key string, answer models.Answer) error {
		return b.SubmitAnswer(ctx, answer)
	})
	if opts.DropRejected {
		a.queue.SetPermanent(func(err error) bool {
			return backend.KindOf(err) == backend.KindRejected
		})
	}
	a.queue.OnDrop(func(e retryqueue.Entry[models.Answer], err error) {
		log.Warn().Err(err).Str("key", e.Key).Int("attempts", e.Attempts).Msg("dropping rejected answer")
	})
	a.queue.OnEvict(func(e retryqueue.Entry[models.Answer]) {
		log.Warn().Str("key", e.Key).Int("attempts", e.Attempts).Msg("answer queue full, evicted oldest answer")
	})
	a.worker = retryqueue.NewWorker(a.queue)
	return a
}

// Cache exposes the round cache, e.g. for a change feed to invalidate.
func (a *Agent) Cache() *rounds.Cache { return a.cache }

// Start launches the background loops. They stop on Close.
func (a *Agent) Start() error {
	if err := a.worker.Start(a.ctx); err != nil {
		return fmt.Errorf("start answer queue: %w", err)
	}

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.cache.Run(a.ctx, a.opts.Categories, a.opts.RefreshInterval); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("round cache stopped")
		}
	}()
	go func() {
		defer a.wg.Done()
		a.hub.Start(a.ctx)
	}()

	log.Info().
		Str("user_id", a.opts.UserID).
		Strs("categories", a.opts.Categories).
		Msg("quiz agent started")
	return nil
}

func (a *Agent) Close() {
	a.cancel()
	if a.worker.Running() {
		_ = a.worker.Stop()
	}
	a.coordinator.Close()
	a.wg.Wait()

	if pending := a.queue.Len(); pending > 0 {
		log.Warn().Int("pending", pending).Msg("quiz agent stopped with undelivered answers")
	}
}

// RoundsView is a category listing with its live/next/queued selection.
type RoundsView struct {
	Category    string         `json:"category"`
	Rounds      []models.Round `json:"rounds"`
	Triple      timing.Triple  `json:"triple"`
	RefreshedAt time.Time      `json:"refreshed_at"`
}

// Rounds returns the cached rounds of a category, fetching them first if
// the category has never been loaded.
func (a *Agent) Rounds(ctx context.Context, category string) (RoundsView, error) {
	if _, ok := a.cache.RefreshedAt(category); !ok {
		if _, err := a.cache.Refresh(ctx, category); err != nil {
			return RoundsView{}, err
		}
	}
	refreshed, _ := a.cache.RefreshedAt(category)
	return RoundsView{
		Category:    category,
		Rounds:      a.cache.Rounds(category),
		Triple:      a.cache.Triple(category),
		RefreshedAt: refreshed,
	}, nil
}

// Open returns the live session for roundID, creating and loading one if
// there is none or the previous one has ended. created is false when an
// existing session was returned.
func (a *Agent) Open(ctx context.Context, category, roundID string) (s *session.Session, created bool, err error) {
	if category == "" {
		round, err := a.cache.Lookup(roundID)
		if err != nil {
			return nil, false, err
		}
		category = round.Category
	}

	a.mu.Lock()
	if open, ok := a.sessions[roundID]; ok {
		if !open.session.Phase().Terminal() {
			a.mu.Unlock()
			return open.session, false, nil
		}
		open.cancel()
	}
	s = session.New(roundID, category, session.Deps{
		Rounds:    a.cache,
		Joiner:    a.coordinator,
		Submitter: a.queue,
		Finalizer: a.backend,
		Clock:     a.clock,
	})
	runCtx, cancel := context.WithCancel(a.ctx)
	a.sessions[roundID] = &openSession{session: s, cancel: cancel}
	a.mu.Unlock()

	s.OnChange(func(c session.Change) {
		a.hub.Broadcast(roundID, Message{Type: MessagePhaseChanged, RoundID: roundID, Change: &c})
	})

	if err := s.Load(ctx); err != nil {
		return s, true, err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		s.Run(runCtx, a.opts.PollInterval)
	}()
	return s, true, nil
}

func (a *Agent) Session(roundID string) (*session.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	open, ok := a.sessions[roundID]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", roundID, ErrSessionNotFound)
	}
	return open.session, nil
}

// Leave cancels any scheduled join and forgets the session. Queued answers
// are still delivered.
func (a *Agent) Leave(roundID string) error {
	a.mu.Lock()
	open, ok := a.sessions[roundID]
	delete(a.sessions, roundID)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("round %s: %w", roundID, ErrSessionNotFound)
	}

	open.session.Cancel()
	open.cancel()
	log.Info().Str("round_id", roundID).Msg("left round")
	return nil
}

// Join runs the join decision for an open session and reports the outcome
// to websocket subscribers.
func (a *Agent) Join(ctx context.Context, roundID string) (join.Outcome, error) {
	s, err := a.Session(roundID)
	if err != nil {
		return join.Outcome{}, err
	}
	outcome, err := s.Join(ctx)
	if !errors.Is(err, session.ErrInvalidPhase) {
		a.hub.Broadcast(roundID, Message{Type: MessageJoinResult, RoundID: roundID, Join: newJoinResult(outcome)})
	}
	return outcome, err
}

// Health summarizes the agent for the health endpoint.
type Health struct {
	Status      string `json:"status"`
	UserID      string `json:"user_id"`
	Sessions    int    `json:"sessions"`
	QueueDepth  int    `json:"queue_depth"`
	Connections int    `json:"connections"`
}

func (a *Agent) Health() Health {
	a.mu.Lock()
	sessions := len(a.sessions)
	a.mu.Unlock()
	return Health{
		Status:      "ok",
		UserID:      a.opts.UserID,
		Sessions:    sessions,
		QueueDepth:  a.queue.Len(),
		Connections: a.hub.Connections(),
	}
}

func (a *Agent) dispatchJoinResult(roundID string, outcome join.Outcome) {
	a.mu.Lock()
	open, ok := a.sessions[roundID]
	a.mu.Unlock()
	if !ok {
		log.Debug().Str("round_id", roundID).Str("outcome", outcome.String()).Msg("join result for closed session")
		return
	}
	open.session.HandleJoinResult(outcome)
	a.hub.Broadcast(roundID, Message{Type: MessageJoinResult, RoundID: roundID, Join: newJoinResult(outcome)})
}

// userBackend attaches the agent's user to every call, including calls
// made from background timers and the queue worker.
type userBackend struct {
	backend.Backend
	userID string
}

func (b userBackend) with(ctx context.Context) context.Context {
	if _, ok := backend.UserFromContext(ctx); ok {
		return ctx
	}
	return backend.WithUser(ctx, b.userID)
}

func (b userBackend) FetchRounds(ctx context.Context, category string) ([]models.Round, error) {
	return b.Backend.FetchRounds(b.with(ctx), category)
}

func (b userBackend) PreJoin(ctx context.Context, roundID string) error {
	return b.Backend.PreJoin(b.with(ctx), roundID)
}

func (b userBackend) Join(ctx context.Context, roundID string) error {
	return b.Backend.Join(b.with(ctx), roundID)
}

func (b userBackend) SubmitAnswer(ctx context.Context, answer models.Answer) error {
	return b.Backend.SubmitAnswer(b.with(ctx), answer)
}

func (b userBackend) ComputeResultsIfDue(ctx context.Context, roundID string) error {
	return b.Backend.ComputeResultsIfDue(b.with(ctx), roundID)
}
