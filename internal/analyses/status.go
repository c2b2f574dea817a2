package analyses

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of an AnalysisRequest. It is persisted as
// lowercase text.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ErrUnknownStatus is returned when stored text is not a known status.
var ErrUnknownStatus = errors.New("unknown analysis status")

// ParseStatus validates stored text.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

// Terminal reports whether no further work happens without a retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var legalTransitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusQueued},
}

// CanTransition reports whether from -> to is a permitted edge.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	ID     string
	From   Status
	To     Status
	Actual Status
}

func (e *TransitionError) Error() string {
	if e.Actual != "" && e.Actual != e.From {
		return fmt.Sprintf("analysis %s: cannot move %s->%s, status is %s", e.ID, e.From, e.To, e.Actual)
	}
	return fmt.Sprintf("analysis %s: illegal transition %s->%s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

func transitionLabel(from, to Status) string {
	return string(from) + "->" + string(to)
}
