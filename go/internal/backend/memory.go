package backend

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/quizslot/go/internal/models"
)

// Operation names used in errors and by MemoryBackend call accounting.
const (
	OpFetchRounds         = "FetchRounds"
	OpPreJoin             = "PreJoin"
	OpJoin                = "Join"
	OpSubmitAnswer        = "SubmitAnswer"
	OpComputeResultsIfDue = "ComputeResultsIfDue"
)

// JoinGrace is how long before the nominal start the backend accepts joins.
const JoinGrace = 5 * time.Second

const anonymousUser = "anonymous"

// MemoryBackend is an in-process Backend used for local runs and tests. It
// enforces the same join window the real service does.
type MemoryBackend struct {
	clock clockwork.Clock

	mu        sync.Mutex
	rounds    map[string]models.Round
	preJoined map[string]map[string]bool
	joined    map[string]map[string]bool
	answers   map[string]models.Answer
	finalized map[string]bool
	calls     map[string]int
	failures  map[string][]error
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(clock clockwork.Clock) *MemoryBackend {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryBackend{
		clock:     clock,
		rounds:    make(map[string]models.Round),
		preJoined: make(map[string]map[string]bool),
		joined:    make(map[string]map[string]bool),
		answers:   make(map[string]models.Answer),
		finalized: make(map[string]bool),
		calls:     make(map[string]int),
		failures:  make(map[string][]error),
	}
}

// PutRound inserts or replaces a round.
func (m *MemoryBackend) PutRound(r models.Round) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds[r.ID] = r
}

// FailNext makes the next len(errs) calls of op return the given errors in order.
func (m *MemoryBackend) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// Calls returns how many times op was invoked.
func (m *MemoryBackend) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Joined reports whether userID joined the round.
func (m *MemoryBackend) Joined(roundID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined[roundID][userID]
}

// PreJoined reports whether userID pre-joined the round.
func (m *MemoryBackend) PreJoined(roundID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.preJoined[roundID][userID]
}

// Answer returns the stored answer for a submission key.
func (m *MemoryBackend) Answer(key string) (models.Answer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.answers[key]
	return a, ok
}

// Finalized reports whether results were computed for the round.
func (m *MemoryBackend) Finalized(roundID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized[roundID]
}

// begin records the call and pops an injected failure. Caller holds mu.
func (m *MemoryBackend) begin(op string) error {
	m.calls[op]++
	if queued := m.failures[op]; len(queued) > 0 {
		m.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func userOf(ctx context.Context) string {
	if userID, ok := UserFromContext(ctx); ok {
		return userID
	}
	return anonymousUser
}

func (m *MemoryBackend) FetchRounds(ctx context.Context, category string) ([]models.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpFetchRounds); err != nil {
		return nil, err
	}

	var out []models.Round
	for _, r := range m.rounds {
		if r.Category == category {
			r.ParticipantsJoined = len(m.joined[r.ID])
			r.ParticipantsPreJoined = len(m.preJoined[r.ID])
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryBackend) PreJoin(ctx context.Context, roundID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpPreJoin); err != nil {
		return Classify(OpPreJoin, roundID, err)
	}

	if _, ok := m.rounds[roundID]; !ok {
		return NewError(KindNotFound, OpPreJoin, roundID, errors.New("round not found"))
	}
	if m.preJoined[roundID] == nil {
		m.preJoined[roundID] = make(map[string]bool)
	}
	m.preJoined[roundID][userOf(ctx)] = true
	return nil
}

func (m *MemoryBackend) Join(ctx context.Context, roundID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpJoin); err != nil {
		return Classify(OpJoin, roundID, err)
	}

	r, ok := m.rounds[roundID]
	if !ok {
		return NewError(KindNotFound, OpJoin, roundID, errors.New("round not found"))
	}
	user := userOf(ctx)
	if m.joined[roundID][user] {
		return NewError(KindAlreadyJoined, OpJoin, roundID, errors.New("user already joined this round"))
	}
	now := m.clock.Now()
	if !r.HasBounds() || now.Before(r.StartTime.Add(-JoinGrace)) {
		return NewError(KindNotYetActive, OpJoin, roundID, errors.New("round not active yet"))
	}
	if !now.Before(*r.EndTime) {
		return NewError(KindOther, OpJoin, roundID, errors.New("round has ended"))
	}
	if m.joined[roundID] == nil {
		m.joined[roundID] = make(map[string]bool)
	}
	m.joined[roundID][user] = true
	return nil
}

func (m *MemoryBackend) SubmitAnswer(ctx context.Context, answer models.Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpSubmitAnswer); err != nil {
		return Classify(OpSubmitAnswer, answer.RoundID, err)
	}

	if _, ok := m.rounds[answer.RoundID]; !ok {
		return NewError(KindNotFound, OpSubmitAnswer, answer.RoundID, errors.New("round not found"))
	}
	if !m.joined[answer.RoundID][userOf(ctx)] {
		return NewError(KindRejected, OpSubmitAnswer, answer.RoundID, errors.New("invalid submission: user has not joined"))
	}
	m.answers[answer.Key()] = answer
	return nil
}

func (m *MemoryBackend) ComputeResultsIfDue(ctx context.Context, roundID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpComputeResultsIfDue); err != nil {
		return Classify(OpComputeResultsIfDue, roundID, err)
	}

	r, ok := m.rounds[roundID]
	if !ok {
		return NewError(KindNotFound, OpComputeResultsIfDue, roundID, errors.New("round not found"))
	}
	if r.EndTime != nil && !m.clock.Now().Before(*r.EndTime) {
		m.finalized[roundID] = true
	}
	return nil
}
