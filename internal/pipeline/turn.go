// Package pipeline runs one conversation turn: validate, number, compose,
// call the model, persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/kalambet/promptlab/internal/composer"
	"github.com/kalambet/promptlab/internal/llm"
	"github.com/kalambet/promptlab/internal/metrics"
	"github.com/kalambet/promptlab/internal/storage"
	"github.com/kalambet/promptlab/internal/turnlock"
)

// NoResponse is stored and returned when the model produced no text.
const NoResponse = "No response generated"

var (
	ErrInvalidInput  = errors.New("missing required fields")
	ErrNotConfigured = errors.New("language model not configured")
	// ErrUpstream wraps model call failures.
	ErrUpstream = errors.New("model call failed")
	// ErrPersist wraps failures to store the turn after a successful model call.
	ErrPersist = errors.New("storing turn failed")
)

// TurnStore defines the storage operations the Pipeline needs.
// Implemented by storage.Store.
type TurnStore interface {
	CountTurns(ctx context.Context, userID string, taskID int) (int, error)
	AppendTurn(ctx context.Context, t storage.Turn) (storage.Turn, error)
}

// Request is one prompt submission.
type Request struct {
	UserID          string
	TaskID          int
	Prompt          string
	History         []composer.Message
	TaskName        string
	TaskDescription string
}

// Result is what the participant sees after a successful turn.
type Result struct {
	ResponseText string
	TurnNumber   int
}

// Options tunes timeouts and the persistence retry.
type Options struct {
	// Provider labels model latency metrics.
	Provider        string
	ModelTimeout    time.Duration
	StoreTimeout    time.Duration
	LockTimeout     time.Duration
	PersistAttempts int
	PersistBackoff  time.Duration
}

func (o *Options) setDefaults() {
	if o.ModelTimeout <= 0 {
		o.ModelTimeout = 60 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 10 * time.Second
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = o.ModelTimeout + 30*time.Second
	}
	if o.PersistAttempts <= 0 {
		o.PersistAttempts = 3
	}
	if o.PersistBackoff <= 0 {
		o.PersistBackoff = 50 * time.Millisecond
	}
	if o.Provider == "" {
		o.Provider = "unknown"
	}
}

// Pipeline produces and records conversation turns.
type Pipeline struct {
	store  TurnStore
	model  llm.Client
	locker turnlock.Locker
	opts   Options
}

// New wires a Pipeline. A nil locker selects an in-process keyed mutex.
func New(store TurnStore, model llm.Client, locker turnlock.Locker, opts Options) *Pipeline {
	if locker == nil {
		locker = turnlock.NewKeyedMutex()
	}
	opts.setDefaults()
	return &Pipeline{store: store, model: model, locker: locker, opts: opts}
}

// Submit runs one turn. The returned error wraps ErrInvalidInput,
// ErrNotConfigured, ErrUpstream or ErrPersist. On any error nothing is stored
// and no response is returned.
func (p *Pipeline) Submit(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.UserID) == "" || req.TaskID <= 0 || strings.TrimSpace(req.Prompt) == "" {
		metrics.ObserveTurn(metrics.OutcomeInvalid)
		return Result{}, ErrInvalidInput
	}
	if p.model == nil {
		metrics.ObserveTurn(metrics.OutcomeConfig)
		return Result{}, ErrNotConfigured
	}

	log := slog.With("user_id", req.UserID, "task_id", req.TaskID)

	lockCtx, cancel := context.WithTimeout(ctx, p.opts.LockTimeout)
	unlock, err := p.locker.Lock(lockCtx, turnlock.Key(req.UserID, req.TaskID))
	cancel()
	if err != nil {
		metrics.ObserveTurn(metrics.OutcomePersist)
		return Result{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	defer unlock()

	count, err := p.countTurns(ctx, req.UserID, req.TaskID)
	if err != nil {
		metrics.ObserveTurn(metrics.OutcomePersist)
		return Result{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	expected := count + 1

	blocks := composer.Build(composer.TaskInfo{
		ID:          req.TaskID,
		Name:        req.TaskName,
		Description: req.TaskDescription,
	}, req.History, req.Prompt)

	response, err := p.generate(ctx, blocks)
	if err != nil {
		log.Error("model call failed", "turn_number", expected, "error", err)
		metrics.ObserveTurn(metrics.OutcomeUpstream)
		return Result{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if response == "" {
		metrics.ObserveEmptyCompletion()
		response = NoResponse
	}

	stored, err := p.persist(ctx, storage.Turn{
		UserID:       req.UserID,
		TaskID:       req.TaskID,
		TurnNumber:   expected,
		PromptText:   req.Prompt,
		ResponseText: response,
	})
	if err != nil {
		log.Error("storing turn failed", "turn_number", expected, "error", err)
		metrics.ObserveTurn(metrics.OutcomePersist)
		return Result{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	if stored.TurnNumber != expected {
		log.Warn("turn number moved during persist", "expected", expected, "assigned", stored.TurnNumber)
	}
	log.Info("turn stored",
		"turn_number", stored.TurnNumber,
		"history_len", len(req.History),
		"transcript_tokens", composer.TranscriptTokens(blocks),
	)
	metrics.ObserveTurn(metrics.OutcomeOK)

	return Result{ResponseText: response, TurnNumber: stored.TurnNumber}, nil
}

func (p *Pipeline) countTurns(ctx context.Context, userID string, taskID int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.StoreTimeout)
	defer cancel()
	return p.store.CountTurns(ctx, userID, taskID)
}

func (p *Pipeline) generate(ctx context.Context, blocks []composer.Block) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ModelTimeout)
	defer cancel()

	start := time.Now()
	text, err := p.model.Generate(ctx, blocks)
	metrics.ObserveModelLatency(p.opts.Provider, time.Since(start))
	return text, err
}

// persist appends t, retrying only the store step. A conflict means another
// writer took the number, so the count is re-read and the next free number
// used; the model response is kept as is.
func (p *Pipeline) persist(ctx context.Context, t storage.Turn) (storage.Turn, error) {
	b := retry.WithMaxRetries(uint64(p.opts.PersistAttempts-1), retry.NewExponential(p.opts.PersistBackoff))

	var stored storage.Turn
	first := true
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if !first {
			n, err := p.countTurns(ctx, t.UserID, t.TaskID)
			if err != nil {
				if storage.IsTransient(err) {
					return retry.RetryableError(err)
				}
				return err
			}
			t.TurnNumber = n + 1
		}
		first = false

		sctx, cancel := context.WithTimeout(ctx, p.opts.StoreTimeout)
		defer cancel()
		out, err := p.store.AppendTurn(sctx, t)
		switch {
		case err == nil:
			stored = out
			return nil
		case errors.Is(err, storage.ErrConflict):
			metrics.ObservePersistConflict()
			slog.Debug("turn number conflict, retrying", "user_id", t.UserID, "task_id", t.TaskID, "turn_number", t.TurnNumber)
			return retry.RetryableError(err)
		case storage.IsTransient(err):
			return retry.RetryableError(err)
		default:
			return err
		}
	})
	if err != nil {
		return storage.Turn{}, err
	}
	return stored, nil
}
