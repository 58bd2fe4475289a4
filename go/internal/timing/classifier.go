package timing

import (
	"sort"
	"time"

	"github.com/mcdev12/quizslot/go/internal/models"
)

// Phase is the lifecycle phase of a round derived from wall-clock time.
type Phase string

const (
	PhaseScheduled Phase = "scheduled"
	PhaseActive    Phase = "active"
	PhaseFinished  Phase = "finished"
)

// Status converts the phase to the round status vocabulary.
func (p Phase) Status() models.RoundStatus {
	switch p {
	case PhaseActive:
		return models.RoundStatusActive
	case PhaseFinished:
		return models.RoundStatusFinished
	default:
		return models.RoundStatusScheduled
	}
}

// Classify derives the phase of a round at now. Start is inclusive and end
// is exclusive. A round without both bounds is always scheduled.
func Classify(round models.Round, now time.Time) Phase {
	if !round.HasBounds() {
		return PhaseScheduled
	}
	if now.Before(*round.StartTime) {
		return PhaseScheduled
	}
	if now.Before(*round.EndTime) {
		return PhaseActive
	}
	return PhaseFinished
}

// Triple is the live/next/queued view of a category.
type Triple struct {
	Live   *models.Round `json:"live,omitempty"`
	Next   *models.Round `json:"next,omitempty"`
	Queued *models.Round `json:"queued,omitempty"`
}

// ClassifyTriple picks the live round and the two earliest upcoming rounds.
// Rounds sharing a start time are ordered by ID. Rounds missing either bound
// are left out.
func ClassifyTriple(rounds []models.Round, now time.Time) Triple {
	var live []models.Round
	var upcoming []models.Round
	for _, r := range rounds {
		if Classify(r, now) == PhaseActive {
			live = append(live, r)
			continue
		}
		if r.HasBounds() && r.StartTime.After(now) {
			upcoming = append(upcoming, r)
		}
	}

	sortByStart(live)
	sortByStart(upcoming)

	var t Triple
	if len(live) > 0 {
		t.Live = &live[0]
	}
	if len(upcoming) > 0 {
		t.Next = &upcoming[0]
	}
	if len(upcoming) > 1 {
		t.Queued = &upcoming[1]
	}
	return t
}

func sortByStart(rounds []models.Round) {
	sort.SliceStable(rounds, func(i, j int) bool {
		a, b := rounds[i], rounds[j]
		if !a.StartTime.Equal(*b.StartTime) {
			return a.StartTime.Before(*b.StartTime)
		}
		return a.ID < b.ID
	})
}

// UntilStart returns how long until the round starts, zero once started or unknown.
func UntilStart(round models.Round, now time.Time) time.Duration {
	if round.StartTime == nil {
		return 0
	}
	if d := round.StartTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Remaining returns how long the round stays open, zero once ended or unknown.
func Remaining(round models.Round, now time.Time) time.Duration {
	if round.EndTime == nil {
		return 0
	}
	if d := round.EndTime.Sub(now); d > 0 {
		return d
	}
	return 0
}
