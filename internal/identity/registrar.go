// Package identity issues and registers the anonymous participant tokens that
// key every stored turn.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/promptlab/internal/storage"
)

var (
	// ErrAlreadyRegistered is returned when the id is already known.
	ErrAlreadyRegistered = errors.New("user already registered")
	// ErrInvalidID is returned for an empty id.
	ErrInvalidID = errors.New("user id is required")
)

// UserStore defines the storage operations the Registrar needs.
// Implemented by storage.Store.
type UserStore interface {
	CreateUser(ctx context.Context, id string) error
}

// Registrar records participant ids on the server side.
type Registrar struct {
	store UserStore
}

func NewRegistrar(store UserStore) *Registrar {
	return &Registrar{store: store}
}

// Register stores id as a new participant. Ids are immutable and never
// deleted, so a second registration of the same id fails.
func (r *Registrar) Register(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidID
	}
	if err := r.store.CreateUser(ctx, id); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("%s: %w", id, ErrAlreadyRegistered)
		}
		return fmt.Errorf("registering user: %w", err)
	}
	return nil
}
