package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write collides with an existing row, such as
// a turn number that was taken by a concurrent submission or a user id that
// is already registered.
var ErrConflict = errors.New("conflict")

type User struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a study task. Description may contain literal "\n" escapes and
// **bold** markers; it is stored verbatim.
type Task struct {
	ID          int    `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// Turn is one persisted prompt/response pair. TurnNumber starts at 1 and is
// gapless per (UserID, TaskID).
type Turn struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	TaskID       int       `json:"task_id"`
	TurnNumber   int       `json:"turn_number"`
	PromptText   string    `json:"prompt_text"`
	ResponseText string    `json:"response_text"`
	CreatedAt    time.Time `json:"created_at"`
}
