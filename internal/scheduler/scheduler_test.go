package scheduler_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"media-pipeline-service/internal/entity"
	"media-pipeline-service/internal/queue"
	"media-pipeline-service/internal/scheduler"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: map[string][]byte{}} }

func (m *memKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memKV) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

type fakeJobStore struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]*entity.Job
	failUpdates int // induced Update failures remaining
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[uuid.UUID]*entity.Job{}}
}

func (s *fakeJobStore) add(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = &entity.Job{ID: id, Status: entity.StatusPending, Result: map[string]any{}}
}

func (s *fakeJobStore) Update(ctx context.Context, id uuid.UUID, status *entity.JobStatus, patch map[string]any) (*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdates > 0 {
		s.failUpdates--
		return nil, errors.New("store unavailable")
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	if status != nil && !j.Status.Terminal() {
		j.Status = *status
	}
	for k, v := range patch {
		j.Result[k] = v
	}
	cp := *j
	return &cp, nil
}

func (s *fakeJobStore) get(id uuid.UUID) entity.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

var fastOpts = scheduler.Options{
	IdlePoll:      2 * time.Millisecond,
	DispatchEvery: time.Millisecond,
	HandleDelay:   time.Nanosecond,
	RetryDelay:    time.Nanosecond,
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRetryBudget_ExhaustionFailsJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv := newMemKV()
	jobs := newFakeJobStore()
	m := scheduler.NewManager(kv, jobs)

	var attempts atomic.Int32
	_, err := m.Register("RETRY", func(ctx context.Context, jobID uuid.UUID, payload json.RawMessage) (*entity.JobStatus, error) {
		attempts.Add(1)
		return nil, errors.New("service exploded")
	}, fastOpts)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	jobID := uuid.New()
	jobs.add(jobID)
	item := entity.QueueItem{JobID: jobID, Payload: json.RawMessage(`{}`), MaxRetry: 2}
	if err := m.Enqueue(ctx, "RETRY", item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	m.Start(ctx)

	waitFor(t, func() bool { return jobs.get(jobID).Status == entity.StatusFailed })

	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts for maxRetry=2, got %d", got)
	}
	j := jobs.get(jobID)
	if j.Result["message"] != "service exploded" {
		t.Fatalf("expected last error in result.message, got %v", j.Result["message"])
	}
}

func TestRetry_ReappendKeepsItemInQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv := newMemKV()
	jobs := newFakeJobStore()

	// Drive the queue directly: one failure against maxRetry=2 must
	// leave the item at the tail with retry_count=1.
	q := queue.New("MANUAL", kv, 0)
	jobID := uuid.New()
	jobs.add(jobID)
	if err := q.Enqueue(ctx, entity.QueueItem{JobID: jobID, Payload: json.RawMessage(`{}`), MaxRetry: 2}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	item, ok, err := q.Dequeue(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	item.RetryCount++
	if err := q.Reappend(ctx, item); err != nil {
		t.Fatalf("reappend: %v", err)
	}

	got, ok, err := q.Dequeue(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", got.RetryCount)
	}
	if jobs.get(jobID).Status != entity.StatusPending {
		t.Fatal("job must stay pending while retries remain")
	}
}

func TestSuccess_StatusWriteFailureReentersRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs := newFakeJobStore()
	jobs.failUpdates = 1
	m := scheduler.NewManager(newMemKV(), jobs)

	var attempts atomic.Int32
	_, err := m.Register("FLAKY", func(ctx context.Context, jobID uuid.UUID, payload json.RawMessage) (*entity.JobStatus, error) {
		attempts.Add(1)
		return nil, nil
	}, fastOpts)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	jobID := uuid.New()
	jobs.add(jobID)
	// The handler succeeds but the first status write is lost; the item
	// must come back around instead of stranding the job pending.
	_ = m.Enqueue(ctx, "FLAKY", entity.QueueItem{JobID: jobID, Payload: json.RawMessage(`{}`), MaxRetry: 2})
	m.Start(ctx)

	waitFor(t, func() bool { return jobs.get(jobID).Status == entity.StatusSucceeded })

	if got := attempts.Load(); got < 2 {
		t.Fatalf("expected the item re-run after the lost write, attempts=%d", got)
	}
}

func TestSuccess_DefaultsToSucceeded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs := newFakeJobStore()
	m := scheduler.NewManager(newMemKV(), jobs)

	_, err := m.Register("OK", func(ctx context.Context, jobID uuid.UUID, payload json.RawMessage) (*entity.JobStatus, error) {
		return nil, nil
	}, fastOpts)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	jobID := uuid.New()
	jobs.add(jobID)
	_ = m.Enqueue(ctx, "OK", entity.QueueItem{JobID: jobID, Payload: json.RawMessage(`{}`)})
	m.Start(ctx)

	waitFor(t, func() bool { return jobs.get(jobID).Status == entity.StatusSucceeded })
}

func TestSuccess_ExplicitStatusWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs := newFakeJobStore()
	m := scheduler.NewManager(newMemKV(), jobs)

	var handled atomic.Bool
	_, err := m.Register("ASYNC", func(ctx context.Context, jobID uuid.UUID, payload json.RawMessage) (*entity.JobStatus, error) {
		// A stage that registered an external callback stays pending.
		handled.Store(true)
		st := entity.StatusPending
		return &st, nil
	}, fastOpts)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	jobID := uuid.New()
	jobs.add(jobID)
	_ = m.Enqueue(ctx, "ASYNC", entity.QueueItem{JobID: jobID, Payload: json.RawMessage(`{}`)})
	m.Start(ctx)

	waitFor(t, func() bool { return handled.Load() })
	time.Sleep(20 * time.Millisecond)
	if got := jobs.get(jobID).Status; got != entity.StatusPending {
		t.Fatalf("expected job to remain pending, got %s", got)
	}
}

func TestMaxParallel_BoundsConcurrency(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs := newFakeJobStore()
	m := scheduler.NewManager(newMemKV(), jobs)

	var active, peak, total atomic.Int32
	opts := fastOpts
	opts.MaxParallel = 2
	_, err := m.Register("BOUND", func(ctx context.Context, jobID uuid.UUID, payload json.RawMessage) (*entity.JobStatus, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		total.Add(1)
		return nil, nil
	}, opts)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	const items = 6
	for i := 0; i < items; i++ {
		jobID := uuid.New()
		jobs.add(jobID)
		if err := m.Enqueue(ctx, "BOUND", entity.QueueItem{JobID: jobID, Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	m.Start(ctx)

	waitFor(t, func() bool { return total.Load() == items })

	if p := peak.Load(); p > 2 {
		t.Fatalf("expected at most 2 concurrent handlers, saw %d", p)
	}
}

func TestManager_SecondConsumerRejected(t *testing.T) {
	m := scheduler.NewManager(newMemKV(), newFakeJobStore())

	noop := func(ctx context.Context, jobID uuid.UUID, payload json.RawMessage) (*entity.JobStatus, error) {
		return nil, nil
	}
	if _, err := m.Register("ONCE", noop, fastOpts); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := m.Register("ONCE", noop, fastOpts); !errors.Is(err, scheduler.ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestManager_EnqueueUnknownQueue(t *testing.T) {
	m := scheduler.NewManager(newMemKV(), newFakeJobStore())
	err := m.Enqueue(context.Background(), "NOBODY", entity.QueueItem{JobID: uuid.New()})
	if !errors.Is(err, scheduler.ErrUnknownQueue) {
		t.Fatalf("expected ErrUnknownQueue, got %v", err)
	}
}
