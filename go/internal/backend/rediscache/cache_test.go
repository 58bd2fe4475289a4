package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/mcdev12/quizslot/go/internal/backend"
	"github.com/mcdev12/quizslot/go/internal/models"
)

// unreachable returns a client whose every command fails fast.
func unreachable(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func TestKeys(t *testing.T) {
	t.Parallel()
	if got, want := roundsKey("daily"), "quizslot:rounds:daily"; got != want {
		t.Errorf("roundsKey: got %q, want %q", got, want)
	}
	if got, want := lockKey("r1"), "quizslot:results-lock:r1"; got != want {
		t.Errorf("lockKey: got %q, want %q", got, want)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	b := New(backend.NewMemoryBackend(nil), unreachable(t), Config{})
	if b.cfg.RoundsTTL != 2*time.Second || b.cfg.LockTTL != 10*time.Second {
		t.Fatalf("defaults: got %v/%v", b.cfg.RoundsTTL, b.cfg.LockTTL)
	}
}

func TestRedisOutageReadsThrough(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(t0)
	mem := backend.NewMemoryBackend(clock)
	start, end := t0.Add(-time.Second), t0.Add(time.Minute)
	mem.PutRound(models.Round{ID: "r1", Category: "daily", StartTime: &start, EndTime: &end})

	b := New(mem, unreachable(t), Config{})
	ctx := backend.WithUser(context.Background(), "u1")

	rounds, err := b.FetchRounds(ctx, "daily")
	if err != nil {
		t.Fatalf("FetchRounds: %v", err)
	}
	if len(rounds) != 1 || rounds[0].ID != "r1" {
		t.Fatalf("rounds: got %+v", rounds)
	}
	if got := mem.Calls(backend.OpFetchRounds); got != 1 {
		t.Fatalf("store fetches: got %d, want 1", got)
	}

	if err := b.Join(ctx, "r1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !mem.Joined("r1", "u1") {
		t.Fatal("join not forwarded")
	}

	// Lock errors that are not contention still compute.
	clock.Advance(2 * time.Minute)
	if err := b.ComputeResultsIfDue(ctx, "r1"); err != nil {
		t.Fatalf("ComputeResultsIfDue: %v", err)
	}
	if !mem.Finalized("r1") {
		t.Fatal("results not computed")
	}
}

func TestStoreErrorsPassThrough(t *testing.T) {
	t.Parallel()
	mem := backend.NewMemoryBackend(clockwork.NewFakeClockAt(t0))
	b := New(mem, unreachable(t), Config{})

	err := b.Join(context.Background(), "missing")
	if backend.KindOf(err) != backend.KindNotFound {
		t.Fatalf("Join: got %v, want not found", err)
	}
}
