package taskpoller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NoPKT/AgentIM-sub003/internal/ssrf"
	"github.com/NoPKT/AgentIM-sub003/internal/store"
)

type fakeProvider struct {
	mu      sync.Mutex
	results []PollResult
	errs    []error
	calls   int
}

func (f *fakeProvider) Poll(context.Context, store.AsyncTask) (PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return PollResult{}, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return PollResult{Status: StatusAsync}, nil
}

type fakeSink struct {
	mu         sync.Mutex
	completed  []PollResult
	failed     []string
	completeCh chan struct{}
	failCh     chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{completeCh: make(chan struct{}, 1), failCh: make(chan struct{}, 1)}
}

func (f *fakeSink) Complete(_ context.Context, _ store.AsyncTask, result PollResult, _ []byte) error {
	f.mu.Lock()
	f.completed = append(f.completed, result)
	f.mu.Unlock()
	f.completeCh <- struct{}{}
	return nil
}

func (f *fakeSink) Fail(_ context.Context, _ store.AsyncTask, reason string) error {
	f.mu.Lock()
	f.failed = append(f.failed, reason)
	f.mu.Unlock()
	f.failCh <- struct{}{}
	return nil
}

type fakeTaskRepo struct {
	store.AsyncTaskRepository
	mu      sync.Mutex
	deleted []uuid.UUID
}

func (f *fakeTaskRepo) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func testTask(t *testing.T) store.AsyncTask {
	t.Helper()
	task := store.AsyncTask{
		ServiceAgentID: "agent-1",
		ProviderTaskID: "provider-task-1",
		RoomID:         uuid.Must(uuid.NewV7()),
		PollIntervalMs: 5,
		MaxWaitMs:      2000,
	}
	task.ID = uuid.Must(uuid.NewV7())
	return task
}

func TestPoller_CompletesOnTextResult(t *testing.T) {
	task := testTask(t)
	provider := &fakeProvider{results: []PollResult{
		{Status: StatusAsync},
		{Status: StatusText, Text: "done"},
	}}
	sink := newFakeSink()
	repo := &fakeTaskRepo{}

	p := New(repo, provider, sink, ssrf.New(), zap.NewNop(), 10)
	require.NoError(t, p.StartTask(context.Background(), task))

	select {
	case <-sink.completeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	assert.Len(t, sink.completed, 1)
	assert.Equal(t, "done", sink.completed[0].Text)
}

func TestPoller_FailsOnProviderError(t *testing.T) {
	task := testTask(t)
	provider := &fakeProvider{errs: []error{assertErr("provider exploded")}}
	sink := newFakeSink()
	repo := &fakeTaskRepo{}

	p := New(repo, provider, sink, ssrf.New(), zap.NewNop(), 10)
	require.NoError(t, p.StartTask(context.Background(), task))

	select {
	case <-sink.failCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure")
	}

	assert.Len(t, sink.failed, 1)
}

func TestPoller_FailsOnMaxTimeout(t *testing.T) {
	task := testTask(t)
	task.MaxWaitMs = 20
	task.PollIntervalMs = 1000 // longer than max wait so the timeout fires first
	provider := &fakeProvider{}
	sink := newFakeSink()
	repo := &fakeTaskRepo{}

	p := New(repo, provider, sink, ssrf.New(), zap.NewNop(), 10)
	require.NoError(t, p.StartTask(context.Background(), task))

	select {
	case <-sink.failCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for max-timeout failure")
	}
}

func TestPoller_RejectsBeyondMaxActive(t *testing.T) {
	provider := &fakeProvider{}
	sink := newFakeSink()
	repo := &fakeTaskRepo{}

	p := New(repo, provider, sink, ssrf.New(), zap.NewNop(), 1)
	require.NoError(t, p.StartTask(context.Background(), testTask(t)))

	err := p.StartTask(context.Background(), testTask(t))
	assert.ErrorIs(t, err, ErrTooManyActiveTasks)

	p.Stop()
}

type assertErr string

func (a assertErr) Error() string { return string(a) }
