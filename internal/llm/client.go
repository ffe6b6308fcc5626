// Package llm sends a composed transcript to a hosted language model and
// returns the completion text.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/promptlab/internal/composer"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"

	defaultTimeout = 60 * time.Second
)

// ErrMalformed is returned when the provider answered 2xx with a body that
// could not be parsed.
var ErrMalformed = errors.New("malformed model response")

// StatusError is returned when the provider answered with a non-2xx status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// Client produces one completion for a transcript. An empty string with a nil
// error means the model answered but generated no text.
type Client interface {
	Generate(ctx context.Context, blocks []composer.Block) (string, error)
}

// Options selects and configures a provider.
type Options struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
	Timeout  time.Duration
}

// New returns the Client for opts.Provider.
func New(opts Options) (Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("llm api key is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	switch strings.ToLower(opts.Provider) {
	case "", ProviderGemini:
		c := NewGemini(opts.APIKey, opts.Model)
		if opts.BaseURL != "" {
			c.baseURL = strings.TrimRight(opts.BaseURL, "/")
		}
		c.httpClient.Timeout = opts.Timeout
		return c, nil
	case ProviderOpenAI:
		return NewOpenAI(opts), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
}
