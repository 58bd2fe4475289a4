package rounds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizslot/go/internal/models"
	"github.com/mcdev12/quizslot/go/internal/timing"
)

var (
	ErrRoundNotFound  = errors.New("round not found")
	ErrMalformedRound = errors.New("malformed round")
)

// Fetcher reads the authoritative round list for a category.
type Fetcher interface {
	FetchRounds(ctx context.Context, category string) ([]models.Round, error)
}

type snapshot struct {
	rounds      []models.Round
	malformed   map[string]error
	refreshedAt time.Time
}

// Cache holds the last good round list per category. A refresh replaces a
// category's list wholesale so readers never see a partial update.
type Cache struct {
	fetcher   Fetcher
	clock     clockwork.Clock
	validator *Validator

	mu         sync.RWMutex
	categories map[string]*snapshot

	refreshCh chan string
}

func NewCache(fetcher Fetcher, clock clockwork.Clock) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{
		fetcher:    fetcher,
		clock:      clock,
		validator:  NewValidator(),
		categories: make(map[string]*snapshot),
		refreshCh:  make(chan string, 16),
	}
}

// Refresh fetches the category and replaces the cached list. On failure the
// previous list is kept and the error returned.
func (c *Cache) Refresh(ctx context.Context, category string) ([]models.Round, error) {
	fetched, err := c.fetcher.FetchRounds(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("fetch rounds for %s: %w", category, err)
	}

	snap := &snapshot{
		rounds:      make([]models.Round, 0, len(fetched)),
		malformed:   make(map[string]error),
		refreshedAt: c.clock.Now(),
	}
	for _, r := range fetched {
		if err := c.validator.Validate(r); err != nil {
			log.Warn().Err(err).Str("round_id", r.ID).Str("category", category).Msg("skipping malformed round")
			if r.ID != "" {
				snap.malformed[r.ID] = err
			}
			continue
		}
		snap.rounds = append(snap.rounds, r)
	}

	c.mu.Lock()
	c.categories[category] = snap
	c.mu.Unlock()

	log.Debug().
		Str("category", category).
		Int("rounds", len(snap.rounds)).
		Int("malformed", len(snap.malformed)).
		Msg("refreshed round cache")
	return c.derive(snap.rounds, snap.refreshedAt), nil
}

// Rounds returns the cached rounds of a category with status derived at the
// current instant.
func (c *Cache) Rounds(category string) []models.Round {
	c.mu.RLock()
	snap, ok := c.categories[category]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.derive(snap.rounds, c.clock.Now())
}

// Triple returns the live, next and queued rounds of a category.
func (c *Cache) Triple(category string) timing.Triple {
	c.mu.RLock()
	snap, ok := c.categories[category]
	c.mu.RUnlock()
	if !ok {
		return timing.Triple{}
	}
	now := c.clock.Now()
	return timing.ClassifyTriple(c.derive(snap.rounds, now), now)
}

// Lookup finds a cached round by id in any category.
func (c *Cache) Lookup(roundID string) (models.Round, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.clock.Now()
	for _, snap := range c.categories {
		for _, r := range snap.rounds {
			if r.ID == roundID {
				return withStatus(r, now), nil
			}
		}
		if err, bad := snap.malformed[roundID]; bad {
			return models.Round{}, err
		}
	}
	return models.Round{}, fmt.Errorf("%w: %s", ErrRoundNotFound, roundID)
}

// Get looks the round up and refreshes its category once on a miss.
func (c *Cache) Get(ctx context.Context, category, roundID string) (models.Round, error) {
	r, err := c.Lookup(roundID)
	if !errors.Is(err, ErrRoundNotFound) {
		return r, err
	}
	if _, err := c.Refresh(ctx, category); err != nil {
		return models.Round{}, err
	}
	return c.Lookup(roundID)
}

// RefreshedAt returns when the category was last refreshed.
func (c *Cache) RefreshedAt(category string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.categories[category]
	if !ok {
		return time.Time{}, false
	}
	return snap.refreshedAt, true
}

// Invalidate asks the Run loop to refresh a category soon.
func (c *Cache) Invalidate(category string) {
	select {
	case c.refreshCh <- category:
	default:
		log.Debug().Str("category", category).Msg("refresh already pending, dropping invalidation")
	}
}

// Run refreshes the given categories immediately, then every interval and
// on invalidation, until ctx is done.
func (c *Cache) Run(ctx context.Context, categories []string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid refresh interval %s", interval)
	}
	refreshAll := func() {
		for _, category := range categories {
			if _, err := c.Refresh(ctx, category); err != nil {
				log.Error().Err(err).Str("category", category).Msg("round refresh failed")
			}
		}
	}
	refreshAll()

	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			refreshAll()
		case category := <-c.refreshCh:
			if _, err := c.Refresh(ctx, category); err != nil {
				log.Error().Err(err).Str("category", category).Msg("round refresh on change failed")
			}
		}
	}
}

func (c *Cache) derive(rounds []models.Round, now time.Time) []models.Round {
	out := make([]models.Round, len(rounds))
	for i, r := range rounds {
		out[i] = withStatus(r, now)
	}
	return out
}

// withStatus replaces the status with the one derived from the clock and
// keeps the reported one in BackendStatus. Paused, skipped and finished are
// final on the backend and kept as reported.
func withStatus(r models.Round, now time.Time) models.Round {
	reported := r.ReportedStatus()
	if reported == "" {
		reported = models.RoundStatusScheduled
	}
	r.BackendStatus = reported
	if reported == models.RoundStatusPaused || r.IsClosed() {
		r.Status = reported
		return r
	}
	r.Status = timing.Classify(r, now).Status()
	return r
}
