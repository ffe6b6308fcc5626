// Package progress derives which tasks a participant has worked on and gates
// movement through the ordered task sequence.
package progress

import (
	"context"
	"fmt"
	"strings"
)

// CompletionStore defines the storage operations the Tracker needs.
// Implemented by storage.Store.
type CompletionStore interface {
	CompletedTaskIDs(ctx context.Context, userID string) ([]int, error)
}

// Tracker reports the completion set: the distinct task ids for which a
// participant has at least one stored turn. It is recomputed from the store
// on every call.
type Tracker struct {
	store CompletionStore
}

func NewTracker(store CompletionStore) *Tracker {
	return &Tracker{store: store}
}

// Completed returns the completion set for userID in ascending order.
func (t *Tracker) Completed(ctx context.Context, userID string) ([]int, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("completed tasks: empty user id")
	}
	ids, err := t.store.CompletedTaskIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("completed tasks for %s: %w", userID, err)
	}
	return ids, nil
}
