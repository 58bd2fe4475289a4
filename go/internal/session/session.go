package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizslot/go/internal/join"
	"github.com/mcdev12/quizslot/go/internal/models"
	"github.com/mcdev12/quizslot/go/internal/timing"
)

// DefaultPollInterval bounds how long a session can sit in waiting after
// the round starts. Phase changes are detected by polling the clock.
const DefaultPollInterval = time.Second

type Phase string

const (
	PhaseLoading   Phase = "loading"
	PhasePreLobby  Phase = "pre_lobby"
	PhaseWaiting   Phase = "waiting"
	PhaseActive    Phase = "active"
	PhaseFinished  Phase = "finished"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
)

// Terminal reports whether no further transitions happen.
func (p Phase) Terminal() bool {
	return p == PhaseFinished || p == PhaseCompleted || p == PhaseError
}

var (
	ErrInvalidPhase = errors.New("operation not allowed in current phase")
	ErrRoundClosed  = errors.New("round is closed")
)

// Rounds resolves round data, usually from the round cache.
type Rounds interface {
	Get(ctx context.Context, category, roundID string) (models.Round, error)
	Lookup(roundID string) (models.Round, error)
}

// Joiner coordinates joins, usually a *join.Coordinator.
type Joiner interface {
	Coordinate(ctx context.Context, round models.Round) join.Outcome
	Cancel(roundID string)
}

// Submitter queues answers for delivery, usually a *retryqueue.Queue.
type Submitter interface {
	Enqueue(key string, payload models.Answer)
	Drain(ctx context.Context) (delivered, failed int)
}

// Finalizer asks the backend to compute results once a round is over.
type Finalizer interface {
	ComputeResultsIfDue(ctx context.Context, roundID string) error
}

type Deps struct {
	Rounds    Rounds
	Joiner    Joiner
	Submitter Submitter
	Finalizer Finalizer
	Clock     clockwork.Clock
}

// Change describes one phase transition.
type Change struct {
	RoundID string    `json:"round_id"`
	From    Phase     `json:"from"`
	To      Phase     `json:"to"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason,omitempty"`
}

// Session is the lifecycle of one user in one round.
type Session struct {
	roundID  string
	category string
	deps     Deps

	mu                  sync.Mutex
	phase               Phase
	round               models.Round
	answers             map[string]models.Answer
	joinConfirmed       bool
	finishedWithAnswers bool
	lastErr             error
	listeners           []func(Change)
}

func New(roundID, category string, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Session{
		roundID:  roundID,
		category: category,
		deps:     deps,
		phase:    PhaseLoading,
		answers:  make(map[string]models.Answer),
	}
}

func (s *Session) RoundID() string { return s.roundID }

// OnChange registers a listener called after every transition, outside the
// session lock.
func (s *Session) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LastError returns the most recent error shown to the user, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// FinishedWithAnswers reports whether the round ended with answers recorded
// but not explicitly submitted.
func (s *Session) FinishedWithAnswers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedWithAnswers
}

// Load fetches the round and enters the pre-lobby.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseLoading {
		s.mu.Unlock()
		return fmt.Errorf("load in %s: %w", s.phase, ErrInvalidPhase)
	}
	s.mu.Unlock()

	round, err := s.deps.Rounds.Get(ctx, s.category, s.roundID)
	if err != nil {
		err = fmt.Errorf("load round %s: %w", s.roundID, err)
		s.fail(err)
		return err
	}
	if round.IsClosed() {
		err = fmt.Errorf("load round %s (%s): %w", s.roundID, round.ReportedStatus(), ErrRoundClosed)
		s.fail(err)
		return err
	}

	var changes []Change
	s.mu.Lock()
	s.round = round
	changes = s.transitionLocked(PhasePreLobby, "loaded", changes)
	s.mu.Unlock()
	s.emit(changes)
	return nil
}

// Join asks the coordinator to join or pre-join and moves to waiting or
// active depending on the outcome and the round's phase.
func (s *Session) Join(ctx context.Context) (join.Outcome, error) {
	s.mu.Lock()
	if s.phase != PhasePreLobby {
		phase := s.phase
		s.mu.Unlock()
		return join.Outcome{}, fmt.Errorf("join in %s: %w", phase, ErrInvalidPhase)
	}
	round := s.currentRoundLocked()
	s.mu.Unlock()

	outcome := s.deps.Joiner.Coordinate(ctx, round)
	now := s.deps.Clock.Now()
	classified := timing.Classify(round, now)

	var changes []Change
	s.mu.Lock()
	if s.phase != PhasePreLobby {
		// Moved on while the call was out, e.g. cancelled or failed.
		s.mu.Unlock()
		return outcome, nil
	}
	switch outcome.Kind {
	case join.KindJoined, join.KindAlready:
		s.joinConfirmed = true
		s.lastErr = nil
		switch classified {
		case timing.PhaseActive:
			changes = s.transitionLocked(PhaseActive, string(outcome.Kind), changes)
		case timing.PhaseScheduled:
			changes = s.transitionLocked(PhaseWaiting, string(outcome.Kind), changes)
		}
	case join.KindPreJoined, join.KindScheduledRetry:
		s.lastErr = nil
		if classified == timing.PhaseFinished {
			// Post-end pre-join: the user is tracked, the round is over.
			changes = s.transitionLocked(PhaseFinished, "ended_before_join", changes)
		} else {
			changes = s.transitionLocked(PhaseWaiting, string(outcome.Kind), changes)
		}
	case join.KindError:
		s.lastErr = outcome.Err
		log.Warn().Err(outcome.Err).Str("round_id", s.roundID).Msg("join failed, staying in pre-lobby")
	}
	s.mu.Unlock()
	s.emit(changes)

	if outcome.Kind == join.KindError {
		return outcome, outcome.Err
	}
	return outcome, nil
}

// HandleJoinResult applies the outcome of a scheduled join attempt.
func (s *Session) HandleJoinResult(outcome join.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch outcome.Kind {
	case join.KindJoined, join.KindAlready:
		s.joinConfirmed = true
		s.lastErr = nil
	case join.KindError:
		s.lastErr = outcome.Err
	}
}

// RecordAnswer stores the answer locally and queues it for delivery. A newer
// answer to the same question replaces the pending one.
func (s *Session) RecordAnswer(questionID, optionID string) error {
	if questionID == "" || optionID == "" {
		return fmt.Errorf("question and option are required")
	}

	s.mu.Lock()
	if s.phase != PhaseActive {
		phase := s.phase
		s.mu.Unlock()
		return fmt.Errorf("answer in %s: %w", phase, ErrInvalidPhase)
	}
	if timing.Classify(s.round, s.deps.Clock.Now()) != timing.PhaseActive {
		s.mu.Unlock()
		return fmt.Errorf("answer round %s: %w", s.roundID, ErrRoundClosed)
	}
	answer := models.Answer{RoundID: s.roundID, QuestionID: questionID, OptionID: optionID}
	s.answers[questionID] = answer
	s.mu.Unlock()

	s.deps.Submitter.Enqueue(answer.Key(), answer)
	return nil
}

// Answers returns the locally recorded answers.
func (s *Session) Answers() []models.Answer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Answer, 0, len(s.answers))
	for _, a := range s.answers {
		out = append(out, a)
	}
	return out
}

// SubmitAll finishes the round for the user before it ends. Queued answers
// get one immediate delivery attempt; anything left keeps retrying in the
// background.
func (s *Session) SubmitAll(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseActive {
		phase := s.phase
		s.mu.Unlock()
		return fmt.Errorf("submit in %s: %w", phase, ErrInvalidPhase)
	}
	if timing.Classify(s.round, s.deps.Clock.Now()) != timing.PhaseActive {
		s.mu.Unlock()
		return fmt.Errorf("submit round %s: %w", s.roundID, ErrRoundClosed)
	}
	s.mu.Unlock()

	delivered, failed := s.deps.Submitter.Drain(ctx)
	log.Debug().
		Str("round_id", s.roundID).
		Int("delivered", delivered).
		Int("failed", failed).
		Msg("flushed answers on submit")

	var changes []Change
	s.mu.Lock()
	if s.phase == PhaseActive {
		changes = s.transitionLocked(PhaseCompleted, "submitted", changes)
	}
	s.mu.Unlock()
	s.emit(changes)

	s.computeResults(ctx)
	return nil
}

// Tick re-evaluates the session against the clock and the latest cached
// round.
func (s *Session) Tick(ctx context.Context) {
	s.mu.Lock()
	if s.phase == PhaseLoading || s.phase.Terminal() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	latest, err := s.deps.Rounds.Lookup(s.roundID)
	if err != nil {
		s.fail(fmt.Errorf("refresh round %s: %w", s.roundID, err))
		return
	}

	// Only the backend closes a round; a round past its end on the local
	// clock finishes normally below.
	if phase := s.Phase(); latest.IsClosed() && (phase == PhasePreLobby || phase == PhaseWaiting) {
		s.fail(fmt.Errorf("round %s (%s): %w", s.roundID, latest.ReportedStatus(), ErrRoundClosed))
		return
	}

	now := s.deps.Clock.Now()
	classified := timing.Classify(latest, now)

	var changes []Change
	var needJoin, finished bool
	s.mu.Lock()
	s.round = latest
	switch s.phase {
	case PhaseWaiting:
		switch classified {
		case timing.PhaseActive:
			changes = s.transitionLocked(PhaseActive, "started", changes)
			needJoin = !s.joinConfirmed
		case timing.PhaseFinished:
			// Ended between polls; never show it as active.
			changes = s.transitionLocked(PhaseFinished, "ended_while_waiting", changes)
			finished = true
		}
	case PhaseActive:
		switch {
		case classified == timing.PhaseFinished || latest.IsClosed():
			changes = s.finishLocked(changes)
			finished = true
		case classified == timing.PhaseScheduled:
			// Rescheduled into the future.
			changes = s.transitionLocked(PhaseWaiting, "rescheduled", changes)
		}
	}
	s.mu.Unlock()
	s.emit(changes)

	if needJoin {
		s.joinOnStart(ctx, latest)
	}
	if finished {
		s.computeResults(ctx)
	}
}

// joinOnStart makes sure a user promoted from waiting is on the round; a
// pre-join alone does not admit answers.
func (s *Session) joinOnStart(ctx context.Context, round models.Round) {
	outcome := s.deps.Joiner.Coordinate(ctx, round)
	s.HandleJoinResult(outcome)
	log.Debug().Str("round_id", s.roundID).Str("outcome", outcome.String()).Msg("join at start")
}

func (s *Session) finishLocked(changes []Change) []Change {
	s.finishedWithAnswers = len(s.answers) > 0
	reason := "ended"
	if s.finishedWithAnswers {
		reason = "ended_with_answers"
	}
	return s.transitionLocked(PhaseFinished, reason, changes)
}

// Run ticks every interval until the session reaches a terminal phase or
// ctx is done.
func (s *Session) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := s.deps.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		if s.Phase().Terminal() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.Tick(ctx)
		}
	}
}

// Cancel drops any scheduled join for the round, e.g. when the user leaves.
func (s *Session) Cancel() {
	s.deps.Joiner.Cancel(s.roundID)
}

// Fail moves the session to error.
func (s *Session) Fail(err error) {
	s.fail(err)
}

func (s *Session) fail(err error) {
	var changes []Change
	s.mu.Lock()
	s.lastErr = err
	if s.phase != PhaseError {
		changes = s.transitionLocked(PhaseError, err.Error(), changes)
	}
	s.mu.Unlock()

	log.Error().Err(err).Str("round_id", s.roundID).Msg("session failed")
	s.emit(changes)
}

func (s *Session) computeResults(ctx context.Context) {
	if s.deps.Finalizer == nil {
		return
	}
	if err := s.deps.Finalizer.ComputeResultsIfDue(ctx, s.roundID); err != nil {
		log.Debug().Err(err).Str("round_id", s.roundID).Msg("compute results skipped")
	}
}

func (s *Session) currentRoundLocked() models.Round {
	if latest, err := s.deps.Rounds.Lookup(s.roundID); err == nil {
		s.round = latest
	}
	return s.round
}

func (s *Session) transitionLocked(to Phase, reason string, changes []Change) []Change {
	from := s.phase
	if from == to {
		return changes
	}
	s.phase = to
	change := Change{RoundID: s.roundID, From: from, To: to, At: s.deps.Clock.Now(), Reason: reason}
	log.Info().
		Str("round_id", s.roundID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("session phase changed")
	return append(changes, change)
}

func (s *Session) emit(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.mu.Lock()
	listeners := append([]func(Change){}, s.listeners...)
	s.mu.Unlock()
	for _, c := range changes {
		for _, fn := range listeners {
			fn(c)
		}
	}
}

// View is a point-in-time description of the session for display.
type View struct {
	RoundID             string        `json:"round_id"`
	Category            string        `json:"category"`
	Phase               Phase         `json:"phase"`
	Round               models.Round  `json:"round"`
	Answers             int           `json:"answers"`
	Joined              bool          `json:"joined"`
	FinishedWithAnswers bool          `json:"finished_with_answers,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
	UntilStart          time.Duration `json:"until_start_ns"`
	Remaining           time.Duration `json:"remaining_ns"`
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.deps.Clock.Now()
	v := View{
		RoundID:             s.roundID,
		Category:            s.category,
		Phase:               s.phase,
		Round:               s.round,
		Answers:             len(s.answers),
		Joined:              s.joinConfirmed,
		FinishedWithAnswers: s.finishedWithAnswers,
		UntilStart:          timing.UntilStart(s.round, now),
		Remaining:           timing.Remaining(s.round, now),
	}
	if s.lastErr != nil {
		v.LastError = s.lastErr.Error()
	}
	return v
}
