package backend

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies backend failures the join and delivery logic branch on.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindAlreadyJoined
	KindNotYetActive
	KindNotFound
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindAlreadyJoined:
		return "already_joined"
	case KindNotYetActive:
		return "not_yet_active"
	case KindNotFound:
		return "not_found"
	case KindRejected:
		return "rejected"
	default:
		return "other"
	}
}

// Error is a classified backend failure.
type Error struct {
	Kind    ErrorKind
	Op      string
	RoundID string
	Err     error
}

func (e *Error) Error() string {
	if e.RoundID != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.RoundID, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(kind ErrorKind, op, roundID string, err error) *Error {
	return &Error{Kind: kind, Op: op, RoundID: roundID, Err: err}
}

// KindOf returns the kind of a classified error, KindOther otherwise.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindOther
}

// ClassifyReason maps a free-form backend reason to a kind. Matching is a
// case-insensitive substring test; adapters call this once at the boundary.
func ClassifyReason(reason string) ErrorKind {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "already"), strings.Contains(r, "completed"):
		return KindAlreadyJoined
	case strings.Contains(r, "not active"), strings.Contains(r, "not yet active"), strings.Contains(r, "not started"):
		return KindNotYetActive
	case strings.Contains(r, "not found"):
		return KindNotFound
	case strings.Contains(r, "invalid"), strings.Contains(r, "rejected"):
		return KindRejected
	default:
		return KindOther
	}
}

// Classify wraps err with the kind derived from its message.
func Classify(op, roundID string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	return NewError(ClassifyReason(err.Error()), op, roundID, err)
}
