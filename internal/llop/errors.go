package llop

import (
	"fmt"
	"strings"
	"time"

	"github.com/fruitsalade/cloudfs/internal/vfs"
)

// State is the lifecycle position of an Operation.
type State int

const (
	StateCreated State = iota
	StateProceeding
	StateMutating
	StateSucceeded
	StatePartiallyFailed
	StateDenied
	StateFailed
)

var stateNames = [...]string{
	StateCreated:         "created",
	StateProceeding:      "proceeding",
	StateMutating:        "mutating",
	StateSucceeded:       "succeeded",
	StatePartiallyFailed: "partially_failed",
	StateDenied:          "denied",
	StateFailed:          "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s >= StateSucceeded
}

// Outcome records how one sub-task ended.
type Outcome struct {
	Name     string
	Err      error
	Attempts int
	Duration time.Duration
}

// OK reports whether the sub-task succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// PartialFailure is returned when some sub-tasks of an operation failed.
// It carries every outcome, successful or not, so callers can see which
// side effects happened.
type PartialFailure struct {
	Op       string
	Subject  string
	Outcomes []Outcome
}

func (e *PartialFailure) Error() string {
	failed := e.Failed()
	parts := make([]string, 0, len(failed))
	for _, o := range failed {
		parts = append(parts, fmt.Sprintf("%s: %v", o.Name, o.Err))
	}
	return fmt.Sprintf("%s %s: %v: %d of %d sub-tasks failed (%s)",
		e.Op, e.Subject, vfs.ErrPartialFailure, len(failed), len(e.Outcomes), strings.Join(parts, "; "))
}

// Is matches vfs.ErrPartialFailure.
func (e *PartialFailure) Is(target error) bool {
	return target == vfs.ErrPartialFailure
}

// Unwrap returns the sub-task errors.
func (e *PartialFailure) Unwrap() []error {
	var errs []error
	for _, o := range e.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}

// Failed returns the outcomes with an error.
func (e *PartialFailure) Failed() []Outcome {
	var out []Outcome
	for _, o := range e.Outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Succeeded returns the outcomes without an error.
func (e *PartialFailure) Succeeded() []Outcome {
	var out []Outcome
	for _, o := range e.Outcomes {
		if o.OK() {
			out = append(out, o)
		}
	}
	return out
}
