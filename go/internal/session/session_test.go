package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/quizslot/go/internal/backend"
	"github.com/mcdev12/quizslot/go/internal/join"
	"github.com/mcdev12/quizslot/go/internal/models"
	"github.com/mcdev12/quizslot/go/internal/retryqueue"
	"github.com/mcdev12/quizslot/go/internal/rounds"
)

var start = time.Date(2026, 6, 1, 19, 0, 0, 0, time.UTC)

const user = "player-1"

type harness struct {
	clock   *clockwork.FakeClock
	mem     *backend.MemoryBackend
	coord   *join.Coordinator
	queue   *retryqueue.Queue[models.Answer]
	session *Session
	ctx     context.Context

	mu      sync.Mutex
	changes []Change
}

func testRound(id string) models.Round {
	s := start
	e := start.Add(10 * time.Minute)
	return models.Round{ID: id, Category: "daily", StartTime: &s, EndTime: &e}
}

// newHarness wires a session to real components over an in-memory backend,
// with the clock at start+offset.
func newHarness(t *testing.T, offset time.Duration) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(start.Add(offset))
	mem := backend.NewMemoryBackend(clock)
	mem.PutRound(testRound("r1"))

	ctx := backend.WithUser(context.Background(), user)
	coord := join.NewCoordinator(ctx, mem, clock)
	t.Cleanup(coord.Close)

	queue := retryqueue.New(retryqueue.DefaultConfig(), clock, func(ctx context.Context, key string, a models.Answer) error {
		return mem.SubmitAnswer(ctx, a)
	})

	h := &harness{clock: clock, mem: mem, coord: coord, queue: queue, ctx: ctx}
	h.session = New("r1", "daily", Deps{
		Rounds:    rounds.NewCache(mem, clock),
		Joiner:    coord,
		Submitter: sessionQueue{queue, ctx},
		Finalizer: mem,
		Clock:     clock,
	})
	coord.OnResult(func(roundID string, o join.Outcome) { h.session.HandleJoinResult(o) })
	h.session.OnChange(func(c Change) {
		h.mu.Lock()
		h.changes = append(h.changes, c)
		h.mu.Unlock()
	})
	return h
}

// sessionQueue drains with the user's identity attached.
type sessionQueue struct {
	*retryqueue.Queue[models.Answer]
	ctx context.Context
}

func (q sessionQueue) Drain(ctx context.Context) (int, int) {
	return q.Queue.Drain(q.ctx)
}

func (h *harness) path() []Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []Phase{PhaseLoading}
	for _, c := range h.changes {
		out = append(out, c.To)
	}
	return out
}

func (h *harness) load(t *testing.T) {
	t.Helper()
	if err := h.session.Load(h.ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func samePath(a, b []Phase) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		roundID string
		setup   func(*backend.MemoryBackend)
		want    error
	}{
		{"unknown round", "missing", func(*backend.MemoryBackend) {}, rounds.ErrRoundNotFound},
		{"closed round", "r2", func(m *backend.MemoryBackend) {
			r := testRound("r2")
			r.Status = models.RoundStatusSkipped
			m.PutRound(r)
		}, ErrRoundClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, -time.Hour)
			tc.setup(h.mem)
			s := New(tc.roundID, "daily", h.session.deps)

			err := s.Load(h.ctx)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			if s.Phase() != PhaseError {
				t.Fatalf("phase: got %s, want error", s.Phase())
			}
		})
	}
}

func TestLoadFetchFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, -time.Hour)
	h.mem.FailNext(backend.OpFetchRounds, errors.New("503 service unavailable"))

	if err := h.session.Load(h.ctx); err == nil {
		t.Fatal("expected error")
	}
	if h.session.Phase() != PhaseError || h.session.LastError() == nil {
		t.Fatalf("got phase %s, last error %v", h.session.Phase(), h.session.LastError())
	}
	if err := h.session.Load(h.ctx); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("reload from error: got %v, want ErrInvalidPhase", err)
	}
}

func TestEarlyJoinWaitsThenActivates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, -10*time.Minute)
	h.load(t)

	outcome, err := h.session.Join(h.ctx)
	if err != nil || outcome.Kind != join.KindPreJoined {
		t.Fatalf("Join: got %s, %v", outcome, err)
	}
	if h.session.Phase() != PhaseWaiting {
		t.Fatalf("phase: got %s, want waiting", h.session.Phase())
	}

	h.clock.Advance(10*time.Minute - time.Millisecond)
	h.session.Tick(h.ctx)
	if h.session.Phase() != PhaseWaiting {
		t.Fatalf("before start: got %s, want waiting", h.session.Phase())
	}

	h.clock.Advance(time.Millisecond)
	h.session.Tick(h.ctx)
	if h.session.Phase() != PhaseActive {
		t.Fatalf("at start: got %s, want active", h.session.Phase())
	}
	if !h.mem.Joined("r1", user) || !h.session.View().Joined {
		t.Fatal("promotion to active should join the round")
	}
	want := []Phase{PhaseLoading, PhasePreLobby, PhaseWaiting, PhaseActive}
	if got := h.path(); !samePath(got, want) {
		t.Fatalf("path: got %v, want %v", got, want)
	}
}

func TestBorderlineJoinUsesScheduledAttempt(t *testing.T) {
	t.Parallel()
	h := newHarness(t, -6*time.Second)
	h.load(t)

	outcome, _ := h.session.Join(h.ctx)
	if outcome.Kind != join.KindScheduledRetry {
		t.Fatalf("Join: got %s, want scheduled_retry", outcome)
	}
	if h.session.Phase() != PhaseWaiting {
		t.Fatalf("phase: got %s, want waiting", h.session.Phase())
	}

	h.clock.Advance(1100 * time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for !h.session.View().Joined && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !h.session.View().Joined {
		t.Fatal("scheduled attempt result not applied")
	}

	h.clock.Advance(5 * time.Second)
	h.session.Tick(h.ctx)
	if h.session.Phase() != PhaseActive {
		t.Fatalf("after start: got %s, want active", h.session.Phase())
	}
	if calls := h.mem.Calls(backend.OpJoin); calls != 1 {
		t.Fatalf("join calls: got %d, want 1", calls)
	}
}

func TestActiveJoinAnswerAndSubmit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Minute)
	h.load(t)

	if outcome, err := h.session.Join(h.ctx); err != nil || outcome.Kind != join.KindJoined {
		t.Fatalf("Join: got %s, %v", outcome, err)
	}
	if h.session.Phase() != PhaseActive {
		t.Fatalf("phase: got %s, want active", h.session.Phase())
	}

	if err := h.session.RecordAnswer("q1", "a"); err != nil {
		t.Fatalf("RecordAnswer: %v", err)
	}
	if err := h.session.RecordAnswer("q1", "b"); err != nil {
		t.Fatalf("RecordAnswer: %v", err)
	}
	if err := h.session.RecordAnswer("q2", "c"); err != nil {
		t.Fatalf("RecordAnswer: %v", err)
	}
	if h.queue.Len() != 2 {
		t.Fatalf("queued: got %d, want 2", h.queue.Len())
	}

	if err := h.session.SubmitAll(h.ctx); err != nil {
		t.Fatalf("SubmitAll: %v", err)
	}
	if h.session.Phase() != PhaseCompleted {
		t.Fatalf("phase: got %s, want completed", h.session.Phase())
	}
	if got, _ := h.mem.Answer("r1/q1"); got.OptionID != "b" {
		t.Fatalf("q1 answer: got %q, want b", got.OptionID)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("queue not flushed: %d pending", h.queue.Len())
	}
	if h.mem.Calls(backend.OpComputeResultsIfDue) != 1 {
		t.Fatal("completion should request results")
	}
	if err := h.session.RecordAnswer("q3", "d"); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("answer after completion: got %v, want ErrInvalidPhase", err)
	}
}

func TestJoinAlreadyJoinedGoesActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Minute)
	h.mem.Join(h.ctx, "r1")
	h.load(t)

	outcome, err := h.session.Join(h.ctx)
	if err != nil || outcome.Kind != join.KindAlready {
		t.Fatalf("Join: got %s, %v", outcome, err)
	}
	if h.session.Phase() != PhaseActive {
		t.Fatalf("phase: got %s, want active", h.session.Phase())
	}
}

func TestJoinErrorStaysInPreLobby(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Minute)
	h.load(t)
	h.mem.FailNext(backend.OpJoin, errors.New("internal server error"))

	if _, err := h.session.Join(h.ctx); err == nil {
		t.Fatal("expected join error")
	}
	if h.session.Phase() != PhasePreLobby || h.session.LastError() == nil {
		t.Fatalf("got phase %s, last error %v", h.session.Phase(), h.session.LastError())
	}

	// Manual retry.
	if outcome, err := h.session.Join(h.ctx); err != nil || outcome.Kind != join.KindJoined {
		t.Fatalf("retry: got %s, %v", outcome, err)
	}
	if h.session.LastError() != nil {
		t.Fatal("successful retry should clear the error")
	}
}

func TestFinishWithAndWithoutAnswers(t *testing.T) {
	t.Parallel()
	for _, withAnswers := range []bool{false, true} {
		h := newHarness(t, time.Minute)
		h.load(t)
		h.session.Join(h.ctx)
		if withAnswers {
			h.session.RecordAnswer("q1", "a")
		}

		h.clock.Advance(9 * time.Minute)
		h.session.Tick(h.ctx)
		if h.session.Phase() != PhaseFinished {
			t.Fatalf("answers=%v: got %s, want finished", withAnswers, h.session.Phase())
		}
		if h.session.FinishedWithAnswers() != withAnswers {
			t.Fatalf("answers=%v: finished_with_answers got %v", withAnswers, h.session.FinishedWithAnswers())
		}
		if !h.mem.Finalized("r1") {
			t.Fatalf("answers=%v: results not computed at end", withAnswers)
		}
		if err := h.session.SubmitAll(h.ctx); !errors.Is(err, ErrInvalidPhase) {
			t.Fatalf("submit after finish: got %v, want ErrInvalidPhase", err)
		}
	}
}

func TestNeverActiveOutsideWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, -2*time.Minute)
	h.load(t)
	h.session.Join(h.ctx)

	for step := 0; step < 15*60; step++ {
		h.clock.Advance(time.Second)
		h.session.Tick(h.ctx)
		now := h.clock.Now()
		inWindow := !now.Before(start) && now.Before(start.Add(10*time.Minute))
		if h.session.Phase() == PhaseActive && !inWindow {
			t.Fatalf("active at %s outside the round window", now)
		}
		if h.session.Phase() == PhaseWaiting && !now.Before(start) {
			t.Fatalf("still waiting at %s after start", now)
		}
	}
	if h.session.Phase() != PhaseFinished {
		t.Fatalf("final phase: got %s, want finished", h.session.Phase())
	}
}

func TestRoundSkippedWhileWaiting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, -time.Hour)
	h.load(t)
	h.session.Join(h.ctx)

	skipped := testRound("r1")
	skipped.Status = models.RoundStatusSkipped
	h.mem.PutRound(skipped)
	if _, err := h.session.deps.Rounds.(*rounds.Cache).Refresh(h.ctx, "daily"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	h.session.Tick(h.ctx)
	if h.session.Phase() != PhaseError || !errors.Is(h.session.LastError(), ErrRoundClosed) {
		t.Fatalf("got %s / %v, want error / ErrRoundClosed", h.session.Phase(), h.session.LastError())
	}
}

func TestRoundEndingWhileWaitingFinishes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, -time.Hour)
	h.load(t)
	h.session.Join(h.ctx)
	if h.session.Phase() != PhaseWaiting {
		t.Fatalf("got %s, want waiting", h.session.Phase())
	}

	// The refresh derives finished from the clock; the backend still says
	// scheduled.
	h.clock.Advance(time.Hour + 11*time.Minute)
	if _, err := h.session.deps.Rounds.(*rounds.Cache).Refresh(h.ctx, "daily"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	h.session.Tick(h.ctx)

	want := []Phase{PhaseLoading, PhasePreLobby, PhaseWaiting, PhaseFinished}
	if got := h.path(); !samePath(got, want) {
		t.Fatalf("path: got %v, want %v", got, want)
	}
	if err := h.session.LastError(); err != nil {
		t.Fatalf("last error: got %v, want nil", err)
	}
	if !h.mem.Finalized("r1") {
		t.Fatal("results not computed after the round ended")
	}
}

func TestLoadAfterEndPreJoinsAndFinishes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 11*time.Minute)
	h.load(t)
	if h.session.Phase() != PhasePreLobby {
		t.Fatalf("after load: got %s, want pre_lobby", h.session.Phase())
	}

	h.session.Tick(h.ctx)
	if h.session.Phase() != PhasePreLobby {
		t.Fatalf("after tick: got %s, want pre_lobby", h.session.Phase())
	}

	outcome, err := h.session.Join(h.ctx)
	if err != nil || outcome.Kind != join.KindPreJoined {
		t.Fatalf("join: got %s, %v, want pre_joined", outcome, err)
	}
	if !h.mem.PreJoined("r1", user) {
		t.Fatal("user not tracked by the post-end pre-join")
	}
	if n := h.mem.Calls(backend.OpJoin); n != 0 {
		t.Fatalf("join calls: got %d, want 0", n)
	}
	want := []Phase{PhaseLoading, PhasePreLobby, PhaseFinished}
	if got := h.path(); !samePath(got, want) {
		t.Fatalf("path: got %v, want %v", got, want)
	}
}

func TestCancelDropsScheduledJoin(t *testing.T) {
	t.Parallel()
	h := newHarness(t, -6*time.Second)
	h.load(t)
	h.session.Join(h.ctx)
	if _, ok := h.coord.Pending("r1"); !ok {
		t.Fatal("expected a scheduled attempt")
	}

	h.session.Cancel()
	h.session.Cancel()
	if _, ok := h.coord.Pending("r1"); ok {
		t.Fatal("Cancel did not drop the scheduled attempt")
	}
}

func TestRunPromotesWithinOnePoll(t *testing.T) {
	t.Parallel()
	h := newHarness(t, -10*time.Second)
	h.load(t)
	h.session.Join(h.ctx)

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		h.session.Run(ctx, DefaultPollInterval)
		close(done)
	}()

	if err := h.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("waiting for poll ticker: %v", err)
	}
	h.clock.Advance(10 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for h.session.Phase() != PhaseActive && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.session.Phase() != PhaseActive {
		t.Fatalf("got %s, want active after one poll", h.session.Phase())
	}

	cancel()
	<-done
}
