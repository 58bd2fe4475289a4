package join

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindJoined         Kind = "joined"
	KindPreJoined      Kind = "pre_joined"
	KindScheduledRetry Kind = "scheduled_retry"
	KindAlready        Kind = "already"
	KindError          Kind = "error"
)

// Outcome is the result of one coordination call or one fired attempt.
// ScheduledAt is set only when a new attempt was scheduled by this call;
// a scheduled_retry without it means an attempt was already pending.
type Outcome struct {
	Kind        Kind
	ScheduledAt *time.Time
	Err         error
}

func (o Outcome) String() string {
	switch {
	case o.Err != nil:
		return fmt.Sprintf("%s: %v", o.Kind, o.Err)
	case o.ScheduledAt != nil:
		return fmt.Sprintf("%s at %s", o.Kind, o.ScheduledAt.Format(time.RFC3339Nano))
	default:
		return string(o.Kind)
	}
}

// Joined reports whether the user is on the round, either by this call or
// an earlier one.
func (o Outcome) Joined() bool {
	return o.Kind == KindJoined || o.Kind == KindAlready
}

func joined() Outcome    { return Outcome{Kind: KindJoined} }
func preJoined() Outcome { return Outcome{Kind: KindPreJoined} }
func already() Outcome   { return Outcome{Kind: KindAlready} }

func failed(err error) Outcome { return Outcome{Kind: KindError, Err: err} }

func scheduledAt(at time.Time) Outcome {
	return Outcome{Kind: KindScheduledRetry, ScheduledAt: &at}
}

func pending() Outcome { return Outcome{Kind: KindScheduledRetry} }
