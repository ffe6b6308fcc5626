package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/promptlab/internal/composer"
	"github.com/kalambet/promptlab/internal/storage"
)

// --- counting store ---

type countingStore struct {
	inner *storage.Store

	counts  atomic.Int32
	appends atomic.Int32

	// conflicts makes the first N AppendTurn calls fail with ErrConflict
	// after another writer has taken the number.
	conflicts atomic.Int32
	appendErr error
}

func (s *countingStore) CountTurns(ctx context.Context, userID string, taskID int) (int, error) {
	s.counts.Add(1)
	return s.inner.CountTurns(ctx, userID, taskID)
}

func (s *countingStore) AppendTurn(ctx context.Context, t storage.Turn) (storage.Turn, error) {
	s.appends.Add(1)
	if s.appendErr != nil {
		return storage.Turn{}, s.appendErr
	}
	if s.conflicts.Load() > 0 {
		s.conflicts.Add(-1)
		// Simulate a concurrent writer landing the same number first.
		if _, err := s.inner.AppendTurn(ctx, storage.Turn{
			UserID: t.UserID, TaskID: t.TaskID, TurnNumber: t.TurnNumber,
			PromptText: "other", ResponseText: "other",
		}); err != nil {
			return storage.Turn{}, err
		}
	}
	return s.inner.AppendTurn(ctx, t)
}

// --- counting model ---

type fakeModel struct {
	mu     sync.Mutex
	calls  int
	blocks [][]composer.Block
	reply  func(call int) (string, error)
}

func (m *fakeModel) Generate(_ context.Context, blocks []composer.Block) (string, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.blocks = append(m.blocks, blocks)
	m.mu.Unlock()
	if m.reply == nil {
		return fmt.Sprintf("response %d", call), nil
	}
	return m.reply(call)
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestPipeline(t *testing.T, model *fakeModel) (*Pipeline, *countingStore) {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cs := &countingStore{inner: s}
	p := New(cs, model, nil, Options{Provider: "fake", PersistBackoff: time.Millisecond})
	return p, cs
}

func TestSubmit_ConcreteScenario(t *testing.T) {
	model := &fakeModel{reply: func(int) (string, error) { return "4", nil }}
	p, cs := newTestPipeline(t, model)

	res, err := p.Submit(context.Background(), Request{UserID: "u1", TaskID: 3, Prompt: "What is 2+2?"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TurnNumber)
	assert.NotEmpty(t, res.ResponseText)
	assert.Equal(t, 1, model.callCount())

	turns, err := cs.inner.ListTurns(context.Background(), "u1", 3)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, 1, turns[0].TurnNumber)
	assert.Equal(t, "What is 2+2?", turns[0].PromptText)
	assert.Equal(t, res.ResponseText, turns[0].ResponseText)

	other, err := cs.inner.ListTurns(context.Background(), "u1", 1)
	require.NoError(t, err)
	assert.Empty(t, other, "turn must land on task 3 only")
}

func TestSubmit_InvalidInputMakesNoCalls(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"missing prompt", Request{UserID: "u1", TaskID: 1}},
		{"blank prompt", Request{UserID: "u1", TaskID: 1, Prompt: "  \n\t"}},
		{"missing user", Request{TaskID: 1, Prompt: "hi"}},
		{"zero task", Request{UserID: "u1", Prompt: "hi"}},
		{"negative task", Request{UserID: "u1", TaskID: -2, Prompt: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &fakeModel{}
			p, cs := newTestPipeline(t, model)

			_, err := p.Submit(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Zero(t, model.callCount())
			assert.Zero(t, cs.counts.Load())
			assert.Zero(t, cs.appends.Load())
		})
	}
}

func TestSubmit_NotConfigured(t *testing.T) {
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	p := New(s, nil, nil, Options{})
	_, err = p.Submit(context.Background(), Request{UserID: "u1", TaskID: 1, Prompt: "hi"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSubmit_SequentialOrdering(t *testing.T) {
	model := &fakeModel{}
	p, cs := newTestPipeline(t, model)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := p.Submit(ctx, Request{UserID: "u1", TaskID: 2, Prompt: fmt.Sprintf("p%d", i)})
		require.NoError(t, err)
		assert.Equal(t, i, res.TurnNumber)
	}

	turns, err := cs.inner.ListTurns(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, turns, 5)
	for i, tr := range turns {
		assert.Equal(t, i+1, tr.TurnNumber)
		assert.Equal(t, fmt.Sprintf("p%d", i+1), tr.PromptText)
	}

	// Other task numbering is independent.
	res, err := p.Submit(ctx, Request{UserID: "u1", TaskID: 3, Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TurnNumber)
}

func TestSubmit_ConcurrentSamePair(t *testing.T) {
	model := &fakeModel{}
	p, cs := newTestPipeline(t, model)

	const n = 10
	var wg sync.WaitGroup
	numbers := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.Submit(context.Background(), Request{UserID: "u1", TaskID: 1, Prompt: fmt.Sprintf("p%d", i)})
			if err != nil {
				t.Error(err)
				return
			}
			numbers <- res.TurnNumber
		}(i)
	}
	wg.Wait()
	close(numbers)

	var got []int
	for n := range numbers {
		got = append(got, n)
	}
	sort.Ints(got)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)

	count, err := cs.inner.CountTurns(context.Background(), "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, n, count)
}

func TestSubmit_UpstreamFailureStoresNothing(t *testing.T) {
	model := &fakeModel{reply: func(int) (string, error) { return "", errors.New("status 500") }}
	p, cs := newTestPipeline(t, model)

	_, err := p.Submit(context.Background(), Request{UserID: "u1", TaskID: 1, Prompt: "hi"})
	assert.ErrorIs(t, err, ErrUpstream)
	assert.False(t, errors.Is(err, ErrPersist))
	assert.Zero(t, cs.appends.Load())

	n, err := cs.inner.CountTurns(context.Background(), "u1", 1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmit_EmptyCompletionPlaceholder(t *testing.T) {
	model := &fakeModel{reply: func(int) (string, error) { return "", nil }}
	p, cs := newTestPipeline(t, model)

	res, err := p.Submit(context.Background(), Request{UserID: "u1", TaskID: 1, Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, NoResponse, res.ResponseText)

	turns, err := cs.inner.ListTurns(context.Background(), "u1", 1)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "No response generated", turns[0].ResponseText)
}

func TestSubmit_ConflictRetriesPersistOnly(t *testing.T) {
	model := &fakeModel{}
	p, cs := newTestPipeline(t, model)
	cs.conflicts.Store(1)

	res, err := p.Submit(context.Background(), Request{UserID: "u1", TaskID: 1, Prompt: "mine"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TurnNumber, "should take the next free number")
	assert.Equal(t, 1, model.callCount(), "model must not be re-invoked")

	turns, err := cs.inner.ListTurns(context.Background(), "u1", 1)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "mine", turns[1].PromptText)
}

func TestSubmit_PersistExhausted(t *testing.T) {
	model := &fakeModel{}
	p, cs := newTestPipeline(t, model)
	cs.appendErr = fmt.Errorf("turn 1: %w", storage.ErrConflict)

	_, err := p.Submit(context.Background(), Request{UserID: "u1", TaskID: 1, Prompt: "hi"})
	assert.ErrorIs(t, err, ErrPersist)
	assert.Equal(t, 1, model.callCount())
	assert.Equal(t, int32(3), cs.appends.Load())
}

func TestSubmit_PersistHardErrorNotRetried(t *testing.T) {
	model := &fakeModel{}
	p, cs := newTestPipeline(t, model)
	cs.appendErr = errors.New("disk full")

	_, err := p.Submit(context.Background(), Request{UserID: "u1", TaskID: 1, Prompt: "hi"})
	assert.ErrorIs(t, err, ErrPersist)
	assert.Equal(t, int32(1), cs.appends.Load())
}

func TestSubmit_HistoryFidelity(t *testing.T) {
	model := &fakeModel{}
	p, cs := newTestPipeline(t, model)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		turns, err := cs.inner.ListTurns(ctx, "u1", 1)
		require.NoError(t, err)
		pairs := make([][2]string, 0, len(turns))
		for _, tr := range turns {
			pairs = append(pairs, [2]string{tr.PromptText, tr.ResponseText})
		}
		_, err = p.Submit(ctx, Request{
			UserID: "u1", TaskID: 1, Prompt: fmt.Sprintf("p%d", i),
			History:  composer.History(pairs),
			TaskName: "Warm-up",
		})
		require.NoError(t, err)
	}

	last := model.blocks[2]
	// system, task context, 2 pairs of history, prompt
	require.Len(t, last, 7)
	assert.Equal(t, composer.KindTaskContext, last[1].Kind)
	want := []struct {
		role composer.Role
		text string
	}{
		{composer.RoleUser, "p1"}, {composer.RoleModel, "response 1"},
		{composer.RoleUser, "p2"}, {composer.RoleModel, "response 2"},
	}
	for i, w := range want {
		assert.Equal(t, w.role, last[2+i].Role)
		assert.Equal(t, w.text, last[2+i].Text)
	}
	assert.Equal(t, "p3", last[6].Text)
}
