package join

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/quizslot/go/internal/backend"
	"github.com/mcdev12/quizslot/go/internal/models"
)

var roundStart = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

const user = "u1"

func testRound(id string) models.Round {
	s := roundStart
	e := roundStart.Add(600 * time.Second)
	return models.Round{ID: id, Category: "daily", StartTime: &s, EndTime: &e}
}

type result struct {
	roundID string
	outcome Outcome
}

type fixture struct {
	clock   *clockwork.FakeClock
	mem     *backend.MemoryBackend
	coord   *Coordinator
	results chan result
	ctx     context.Context
}

// newFixture builds a coordinator whose clock sits at roundStart+offset.
func newFixture(t *testing.T, offset time.Duration) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(roundStart.Add(offset))
	mem := backend.NewMemoryBackend(clock)
	mem.PutRound(testRound("r1"))

	ctx := backend.WithUser(context.Background(), user)
	coord := NewCoordinator(ctx, mem, clock)
	results := make(chan result, 8)
	coord.OnResult(func(roundID string, o Outcome) { results <- result{roundID, o} })
	t.Cleanup(coord.Close)

	return &fixture{clock: clock, mem: mem, coord: coord, results: results, ctx: ctx}
}

func (f *fixture) await(t *testing.T) result {
	t.Helper()
	select {
	case r := <-f.results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scheduled attempt")
		return result{}
	}
}

func (f *fixture) expectNoResult(t *testing.T) {
	t.Helper()
	select {
	case r := <-f.results:
		t.Fatalf("unexpected result %s for %s", r.outcome, r.roundID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCoordinateEarlyPreJoins(t *testing.T) {
	t.Parallel()
	f := newFixture(t, -10*time.Second)

	got := f.coord.Coordinate(f.ctx, testRound("r1"))
	if got.Kind != KindPreJoined {
		t.Fatalf("got %s, want pre_joined", got)
	}
	if !f.mem.PreJoined("r1", user) {
		t.Fatal("pre-join not recorded")
	}
	if f.mem.Calls(backend.OpJoin) != 0 {
		t.Fatalf("join calls: got %d, want 0", f.mem.Calls(backend.OpJoin))
	}
	if _, ok := f.coord.Pending("r1"); ok {
		t.Fatal("early coordination should not schedule an attempt")
	}
}

func TestCoordinateWindows(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		offset time.Duration
		want   Kind
	}{
		{"well before", -time.Hour, KindPreJoined},
		{"just before early threshold", -6500*time.Millisecond - time.Millisecond, KindPreJoined},
		{"at early threshold", -6500 * time.Millisecond, KindScheduledRetry},
		{"inside grace", -4 * time.Second, KindScheduledRetry},
		{"just before cutoff", -300*time.Millisecond - time.Nanosecond, KindScheduledRetry},
		{"at cutoff", -300 * time.Millisecond, KindJoined},
		{"at start", 0, KindJoined},
		{"last instant", 600*time.Second - time.Nanosecond, KindJoined},
		{"at end", 600 * time.Second, KindPreJoined},
		{"after end", 601 * time.Second, KindPreJoined},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tc.offset)
			if got := f.coord.Coordinate(f.ctx, testRound("r1")); got.Kind != tc.want {
				t.Fatalf("offset %s: got %s, want %s", tc.offset, got, tc.want)
			}
		})
	}
}

func TestCoordinateBorderlineSchedulesBoundaryJoin(t *testing.T) {
	t.Parallel()
	f := newFixture(t, -6*time.Second)

	got := f.coord.Coordinate(f.ctx, testRound("r1"))
	want := roundStart.Add(-4900 * time.Millisecond)
	if got.Kind != KindScheduledRetry || got.ScheduledAt == nil || !got.ScheduledAt.Equal(want) {
		t.Fatalf("got %s, want scheduled_retry at %s", got, want)
	}
	if !f.mem.PreJoined("r1", user) {
		t.Fatal("borderline coordination should pre-join first")
	}

	f.clock.Advance(1100*time.Millisecond - time.Millisecond)
	f.expectNoResult(t)

	f.clock.Advance(time.Millisecond)
	r := f.await(t)
	if r.roundID != "r1" || r.outcome.Kind != KindJoined {
		t.Fatalf("fired attempt: got %s for %s, want joined", r.outcome, r.roundID)
	}
	if !f.mem.Joined("r1", user) {
		t.Fatal("fired attempt did not join with the coordinator's identity")
	}
	if _, ok := f.coord.Pending("r1"); ok {
		t.Fatal("schedule should be removed after firing")
	}
}

func TestCoordinateDedup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, -6*time.Second)

	first := f.coord.Coordinate(f.ctx, testRound("r1"))
	if first.ScheduledAt == nil {
		t.Fatalf("first call: got %s, want a scheduled time", first)
	}
	for i := 0; i < 10; i++ {
		f.clock.Advance(50 * time.Millisecond)
		got := f.coord.Coordinate(f.ctx, testRound("r1"))
		if got.Kind != KindScheduledRetry || got.ScheduledAt != nil {
			t.Fatalf("call %d: got %s, want scheduled_retry without a time", i+2, got)
		}
	}
	if f.coord.timersCreated != 1 {
		t.Fatalf("timers created: got %d, want 1", f.coord.timersCreated)
	}
	if at, _ := f.coord.Pending("r1"); !at.Equal(*first.ScheduledAt) {
		t.Fatalf("pending: got %s, want %s", at, first.ScheduledAt)
	}
}

func TestCoordinateInsideGraceIsNeverBareNotActiveError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, -4*time.Second)

	got := f.coord.Coordinate(f.ctx, testRound("r1"))
	if got.Kind == KindError {
		t.Fatalf("got %s, want joined or scheduled_retry", got)
	}
	if got.Kind == KindScheduledRetry {
		if r := f.await(t); r.outcome.Kind != KindJoined {
			t.Fatalf("fired attempt: got %s, want joined", r.outcome)
		}
	}
}

func TestCoordinateJoinAlready(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Minute)

	if got := f.coord.Coordinate(f.ctx, testRound("r1")); got.Kind != KindJoined {
		t.Fatalf("first: got %s, want joined", got)
	}
	got := f.coord.Coordinate(f.ctx, testRound("r1"))
	if got.Kind != KindAlready || got.Err != nil {
		t.Fatalf("second: got %s, want already", got)
	}
	if !got.Joined() {
		t.Fatal("already should count as joined")
	}
}

func TestCoordinateNotYetActiveRetriesOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	notActive := backend.NewError(backend.KindNotYetActive, backend.OpJoin, "r1", errors.New("round not active"))
	f.mem.FailNext(backend.OpJoin, notActive)

	got := f.coord.Coordinate(f.ctx, testRound("r1"))
	want := roundStart.Add(NotActiveBackoff)
	if got.Kind != KindScheduledRetry || got.ScheduledAt == nil || !got.ScheduledAt.Equal(want) {
		t.Fatalf("got %s, want scheduled_retry at %s", got, want)
	}

	again := f.coord.Coordinate(f.ctx, testRound("r1"))
	if again.Kind != KindScheduledRetry || again.ScheduledAt != nil {
		t.Fatalf("while pending: got %s, want scheduled_retry without a time", again)
	}

	f.clock.Advance(NotActiveBackoff)
	if r := f.await(t); r.outcome.Kind != KindJoined {
		t.Fatalf("retry: got %s, want joined", r.outcome)
	}
	if calls := f.mem.Calls(backend.OpJoin); calls != 2 {
		t.Fatalf("join calls: got %d, want 2", calls)
	}
}

func TestCoordinateSecondNotYetActiveSurfacesError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	notActive := backend.NewError(backend.KindNotYetActive, backend.OpJoin, "r1", errors.New("round not active"))
	f.mem.FailNext(backend.OpJoin, notActive, notActive)

	if got := f.coord.Coordinate(f.ctx, testRound("r1")); got.Kind != KindScheduledRetry {
		t.Fatalf("got %s, want scheduled_retry", got)
	}
	f.clock.Advance(NotActiveBackoff)
	r := f.await(t)
	if r.outcome.Kind != KindError || backend.KindOf(r.outcome.Err) != backend.KindNotYetActive {
		t.Fatalf("retry: got %s, want not-yet-active error", r.outcome)
	}
	if _, ok := f.coord.Pending("r1"); ok {
		t.Fatal("no further attempt should be scheduled")
	}
}

func TestCoordinateBoundaryAttemptGetsOneRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, -6*time.Second)
	notActive := backend.NewError(backend.KindNotYetActive, backend.OpJoin, "r1", errors.New("slot not started"))
	f.mem.FailNext(backend.OpJoin, notActive)

	f.coord.Coordinate(f.ctx, testRound("r1"))
	f.clock.Advance(1100 * time.Millisecond)

	r := f.await(t)
	if r.outcome.Kind != KindScheduledRetry || r.outcome.ScheduledAt == nil {
		t.Fatalf("boundary attempt: got %s, want scheduled_retry", r.outcome)
	}
	f.clock.Advance(NotActiveBackoff)
	if r := f.await(t); r.outcome.Kind != KindJoined {
		t.Fatalf("retry: got %s, want joined", r.outcome)
	}
}

func TestCoordinateOtherErrorNotRetried(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 30*time.Second)
	f.mem.FailNext(backend.OpJoin, errors.New("connection reset by peer"))

	got := f.coord.Coordinate(f.ctx, testRound("r1"))
	if got.Kind != KindError || got.Err == nil {
		t.Fatalf("got %s, want error", got)
	}
	if _, ok := f.coord.Pending("r1"); ok {
		t.Fatal("other errors must not schedule a retry")
	}
}

func TestCoordinateAfterEndFallsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 601*time.Second)

	got := f.coord.Coordinate(f.ctx, testRound("r1"))
	if got.Kind != KindPreJoined {
		t.Fatalf("got %s, want pre_joined", got)
	}
	if f.mem.Joined("r1", user) || f.mem.Calls(backend.OpJoin) != 0 {
		t.Fatal("post-end coordination must not join")
	}
}

func TestCoordinateMissingBounds(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	open := models.Round{ID: "r1", Category: "daily"}

	if got := f.coord.Coordinate(f.ctx, open); got.Kind != KindPreJoined {
		t.Fatalf("got %s, want pre_joined", got)
	}

	f.mem.FailNext(backend.OpPreJoin, errors.New("service unavailable"))
	if got := f.coord.Coordinate(f.ctx, open); got.Kind != KindError {
		t.Fatalf("failing pre-join: got %s, want error", got)
	}

	f.mem.FailNext(backend.OpPreJoin, errors.New("user already registered"))
	if got := f.coord.Coordinate(f.ctx, open); got.Kind != KindPreJoined {
		t.Fatalf("already registered: got %s, want pre_joined", got)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, -6*time.Second)

	f.coord.Cancel("r1")
	f.coord.Cancel("unknown")

	f.coord.Coordinate(f.ctx, testRound("r1"))
	f.coord.Cancel("r1")
	f.coord.Cancel("r1")
	if _, ok := f.coord.Pending("r1"); ok {
		t.Fatal("schedule survived Cancel")
	}

	f.clock.Advance(6 * time.Second)
	f.expectNoResult(t)
	if calls := f.mem.Calls(backend.OpJoin); calls != 0 {
		t.Fatalf("join calls after cancel: got %d, want 0", calls)
	}

	got := f.coord.Coordinate(f.ctx, testRound("r1"))
	if got.Kind != KindJoined {
		t.Fatalf("after cancel: got %s, want joined", got)
	}
}

// gatedClient holds each Join until the test releases it with a result.
type gatedClient struct {
	*backend.MemoryBackend
	entered chan struct{}
	release chan error
	joins   atomic.Int32
}

func (g *gatedClient) Join(ctx context.Context, roundID string) error {
	g.joins.Add(1)
	g.entered <- struct{}{}
	select {
	case err := <-g.release:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestCancelDuringInFlightJoinSkipsRetry(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(roundStart.Add(-4 * time.Second))
	gate := &gatedClient{
		MemoryBackend: backend.NewMemoryBackend(clock),
		entered:       make(chan struct{}, 4),
		release:       make(chan error, 4),
	}
	gate.PutRound(testRound("r1"))
	ctx := backend.WithUser(context.Background(), user)
	coord := NewCoordinator(ctx, gate, clock)
	results := make(chan result, 4)
	coord.OnResult(func(roundID string, o Outcome) { results <- result{roundID, o} })
	t.Cleanup(coord.Close)
	f := &fixture{clock: clock, mem: gate.MemoryBackend, coord: coord, results: results, ctx: ctx}

	got := coord.Coordinate(ctx, testRound("r1"))
	if got.Kind != KindScheduledRetry {
		t.Fatalf("got %s, want scheduled_retry", got)
	}

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("boundary join never started")
	}
	coord.Cancel("r1")
	gate.release <- backend.NewError(backend.KindNotYetActive, backend.OpJoin, "r1", errors.New("round not active"))

	r := f.await(t)
	if r.outcome.Kind != KindError || !errors.Is(r.outcome.Err, ErrJoinCancelled) {
		t.Fatalf("got %s, want error wrapping ErrJoinCancelled", r.outcome)
	}
	if at, ok := coord.Pending("r1"); ok {
		t.Fatalf("retry scheduled at %s after cancel", at)
	}

	clock.Advance(NotActiveBackoff + time.Second)
	f.expectNoResult(t)
	if n := gate.joins.Load(); n != 1 {
		t.Fatalf("join calls: got %d, want 1", n)
	}

	gate.release <- nil
	coord.Coordinate(ctx, testRound("r1"))
	r = f.await(t)
	if r.outcome.Kind != KindJoined {
		t.Fatalf("next attempt: got %s, want joined", r.outcome)
	}
}

func TestCloseCancelsSchedules(t *testing.T) {
	t.Parallel()
	f := newFixture(t, -6*time.Second)
	f.coord.Coordinate(f.ctx, testRound("r1"))

	f.coord.Close()
	f.coord.Close()

	if _, ok := f.coord.Pending("r1"); ok {
		t.Fatal("schedule survived Close")
	}
	got := f.coord.Coordinate(f.ctx, testRound("r1"))
	if !errors.Is(got.Err, ErrCoordinatorClosed) {
		t.Fatalf("after close: got %s, want ErrCoordinatorClosed", got)
	}
}
