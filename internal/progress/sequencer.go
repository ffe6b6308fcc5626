package progress

import (
	"errors"
	"fmt"
	"slices"
)

// DefaultTaskCount is the number of tasks in the study.
const DefaultTaskCount = 7

// ErrGated is returned when a move is attempted before the task it depends on
// has been worked on.
var ErrGated = errors.New("task not yet unlocked")

// State is a position in the task sequence: a task number, or the terminal
// Complete state.
type State struct {
	Task     int
	Complete bool
}

func (s State) String() string {
	if s.Complete {
		return "complete"
	}
	return fmt.Sprintf("task %d", s.Task)
}

// Sequencer walks tasks 1..N in order. Task k unlocks once task k-1 has at
// least one turn; task 1 is always open.
type Sequencer struct {
	n int
}

// NewSequencer returns a Sequencer over n tasks. Non-positive n falls back to
// DefaultTaskCount.
func NewSequencer(n int) *Sequencer {
	if n <= 0 {
		n = DefaultTaskCount
	}
	return &Sequencer{n: n}
}

// TaskCount returns N.
func (s *Sequencer) TaskCount() int { return s.n }

// CanAccess reports whether task k may be opened given the completion set.
// Moving back to an earlier task is always possible since its predecessor is
// necessarily completed.
func (s *Sequencer) CanAccess(completed []int, k int) bool {
	if k < 1 || k > s.n {
		return false
	}
	if k == 1 {
		return true
	}
	return slices.Contains(completed, k-1)
}

// Next returns the state that follows task k. It requires k itself to be in
// the completion set; after task N the sequence ends in Complete.
func (s *Sequencer) Next(completed []int, k int) (State, error) {
	if k < 1 || k > s.n {
		return State{}, fmt.Errorf("task %d outside 1..%d: %w", k, s.n, ErrGated)
	}
	if !slices.Contains(completed, k) {
		return State{}, fmt.Errorf("task %d has no turns yet: %w", k, ErrGated)
	}
	if k == s.n {
		return State{Complete: true}, nil
	}
	return State{Task: k + 1}, nil
}

// Resume returns where a returning participant should land: the first task
// that is accessible but not yet worked on, or Complete when every task has
// turns.
func (s *Sequencer) Resume(completed []int) State {
	for k := 1; k <= s.n; k++ {
		if !slices.Contains(completed, k) {
			return State{Task: k}
		}
	}
	return State{Complete: true}
}
