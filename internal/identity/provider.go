package identity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Registerer registers a freshly generated id with the study backend. The
// server-side Registrar and the CLI's HTTP client both satisfy it.
type Registerer interface {
	Register(ctx context.Context, id string) error
}

// Provider hands out a stable participant id for one device. The id lives in
// a small file and is only written there after the backend accepted it.
type Provider struct {
	path  string
	reg   Registerer
	newID func() string
}

func NewProvider(path string, reg Registerer) *Provider {
	return &Provider{
		path:  path,
		reg:   reg,
		newID: func() string { return uuid.New().String() },
	}
}

// DefaultPath returns the identity file location under the user config dir.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "promptlab", "participant_id")
}

// Ensure returns the stored id, or generates and registers a new one. When
// registration fails nothing is persisted and the error is returned, so the
// next call starts over with a fresh token.
func (p *Provider) Ensure(ctx context.Context) (string, error) {
	id, err := p.Current()
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = p.newID()
	if err := p.reg.Register(ctx, id); err != nil {
		return "", fmt.Errorf("registering participant: %w", err)
	}
	if err := p.save(id); err != nil {
		return "", err
	}
	return id, nil
}

// Current returns the stored id, or "" when none has been saved yet.
func (p *Provider) Current() (string, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading identity file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (p *Provider) save(id string) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing identity file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing identity file: %w", err)
	}
	return nil
}
