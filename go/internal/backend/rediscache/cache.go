package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizslot/go/internal/backend"
	"github.com/mcdev12/quizslot/go/internal/models"
)

const keyPrefix = "quizslot"

type Config struct {
	Addr     string
	Password string
	DB       int
	// RoundsTTL bounds how stale a cached FetchRounds answer can be. Keep it
	// well under the agents' poll interval times a few.
	RoundsTTL time.Duration
	LockTTL   time.Duration
}

// Connect opens a client and checks it with PING.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect redis at %s: %w", cfg.Addr, err)
	}
	log.Info().Str("addr", cfg.Addr).Msg("connected to redis")
	return rdb, nil
}

// Backend caches FetchRounds per category and serializes result computation
// across service replicas. Redis failures never fail a call; the wrapped
// backend is used directly instead.
type Backend struct {
	backend.Backend
	rdb    redis.UniversalClient
	locker *redislock.Client
	cfg    Config

	mu         sync.RWMutex
	categories map[string]string
}

func New(next backend.Backend, rdb redis.UniversalClient, cfg Config) *Backend {
	if cfg.RoundsTTL <= 0 {
		cfg.RoundsTTL = 2 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	return &Backend{
		Backend:    next,
		rdb:        rdb,
		locker:     redislock.New(rdb),
		cfg:        cfg,
		categories: make(map[string]string),
	}
}

func roundsKey(category string) string { return keyPrefix + ":rounds:" + category }

func lockKey(roundID string) string { return keyPrefix + ":results-lock:" + roundID }

func (b *Backend) FetchRounds(ctx context.Context, category string) ([]models.Round, error) {
	key := roundsKey(category)

	val, err := b.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		var rounds []models.Round
		if err := json.Unmarshal([]byte(val), &rounds); err == nil {
			return rounds, nil
		}
		log.Warn().Str("key", key).Msg("discarding undecodable cached rounds")
	case errors.Is(err, redis.Nil):
	default:
		log.Warn().Err(err).Str("key", key).Msg("redis get failed, reading through")
	}

	rounds, err := b.Backend.FetchRounds(ctx, category)
	if err != nil {
		return nil, err
	}
	b.remember(rounds)

	data, err := json.Marshal(rounds)
	if err != nil {
		return nil, fmt.Errorf("marshal rounds: %w", err)
	}
	if err := b.rdb.Set(ctx, key, data, b.cfg.RoundsTTL).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis set failed")
	}
	return rounds, nil
}

func (b *Backend) PreJoin(ctx context.Context, roundID string) error {
	if err := b.Backend.PreJoin(ctx, roundID); err != nil {
		return err
	}
	b.invalidate(ctx, roundID)
	return nil
}

func (b *Backend) Join(ctx context.Context, roundID string) error {
	if err := b.Backend.Join(ctx, roundID); err != nil {
		return err
	}
	b.invalidate(ctx, roundID)
	return nil
}

// ComputeResultsIfDue lets one replica finalize a round at a time. Callers
// that lose the race return nil; the winner does the work.
func (b *Backend) ComputeResultsIfDue(ctx context.Context, roundID string) error {
	lock, err := b.locker.Obtain(ctx, lockKey(roundID), b.cfg.LockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		log.Debug().Str("round_id", roundID).Msg("results computation already in progress")
		return nil
	}
	if err != nil {
		log.Warn().Err(err).Str("round_id", roundID).Msg("results lock unavailable, computing unlocked")
		return b.Backend.ComputeResultsIfDue(ctx, roundID)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			log.Warn().Err(err).Str("round_id", roundID).Msg("failed to release results lock")
		}
	}()

	if err := b.Backend.ComputeResultsIfDue(ctx, roundID); err != nil {
		return err
	}
	b.invalidate(ctx, roundID)
	return nil
}

func (b *Backend) remember(rounds []models.Round) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range rounds {
		b.categories[r.ID] = r.Category
	}
}

func (b *Backend) invalidate(ctx context.Context, roundID string) {
	b.mu.RLock()
	category, ok := b.categories[roundID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	if err := b.rdb.Del(ctx, roundsKey(category)).Err(); err != nil {
		log.Warn().Err(err).Str("category", category).Msg("failed to invalidate cached rounds")
	}
}
