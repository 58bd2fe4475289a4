package join

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// attempt is a pending one-shot join for a round.
type attempt struct {
	at    time.Time
	timer clockwork.Timer
	// retry marks the not-yet-active follow-up; it gets no further retry.
	retry bool
	done  chan struct{}
}

// schedule arms a one-shot join for roundID at the given instant unless
// one is already pending or in flight. A past instant fires immediately.
func (c *Coordinator) schedule(roundID string, at time.Time, retry bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduleLocked(roundID, at, retry)
}

func (c *Coordinator) scheduleLocked(roundID string, at time.Time, retry bool) bool {
	if c.closed {
		return false
	}
	if _, exists := c.schedules[roundID]; exists {
		return false
	}
	if _, busy := c.inFlight[roundID]; busy {
		return false
	}

	duration := at.Sub(c.clock.Now())
	if duration < 0 {
		duration = 0
	}
	a := &attempt{
		at:    at,
		timer: c.clock.NewTimer(duration),
		retry: retry,
		done:  make(chan struct{}),
	}
	c.schedules[roundID] = a
	c.timersCreated++

	c.wg.Add(1)
	go c.wait(roundID, a)

	log.Debug().
		Str("round_id", roundID).
		Time("fire_at", at).
		Dur("duration", duration).
		Bool("retry", retry).
		Msg("scheduled join attempt")
	return true
}

func (c *Coordinator) wait(roundID string, a *attempt) {
	defer c.wg.Done()

	select {
	case <-a.timer.Chan():
		c.mu.Lock()
		if c.schedules[roundID] != a {
			// Cancelled between the fire and this point.
			c.mu.Unlock()
			return
		}
		delete(c.schedules, roundID)
		c.inFlight[roundID] = struct{}{}
		c.mu.Unlock()

		log.Debug().Str("round_id", roundID).Msg("join timer fired")
		c.report(roundID, c.fire(roundID, a.retry))
	case <-a.done:
		stopAndDrainTimer(a.timer)
	case <-c.ctx.Done():
		stopAndDrainTimer(a.timer)
	}
}

// Cancel drops the pending attempt for roundID. A join already in flight
// finishes, but no follow-up is scheduled for it. Safe to call when nothing
// is scheduled.
func (c *Coordinator) Cancel(roundID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[roundID]; busy {
		c.cancelled[roundID] = struct{}{}
	}
	c.cancelLocked(roundID)
}

func (c *Coordinator) cancelLocked(roundID string) {
	a, exists := c.schedules[roundID]
	if !exists {
		return
	}
	delete(c.schedules, roundID)
	close(a.done)
	log.Debug().Str("round_id", roundID).Time("fire_at", a.at).Msg("cancelled join attempt")
}

// Pending returns when the scheduled attempt for roundID fires.
func (c *Coordinator) Pending(roundID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, exists := c.schedules[roundID]
	if !exists {
		return time.Time{}, false
	}
	return a.at, true
}

func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
