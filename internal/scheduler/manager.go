package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"media-pipeline-service/internal/entity"
	"media-pipeline-service/internal/queue"
)

var (
	// ErrAlreadyRegistered rejects a second consumer for a queue name.
	ErrAlreadyRegistered = errors.New("queue already registered")

	// ErrUnknownQueue rejects enqueues to a name nobody consumes.
	ErrUnknownQueue = errors.New("unknown queue")
)

// Manager owns every NamedQueue and its single scheduler. Producers
// enqueue through the manager by queue name; the design allows exactly
// one consumer per name, which Register enforces.
type Manager struct {
	kv   queue.KV
	jobs JobStore

	mu     sync.Mutex
	queues map[string]*queue.NamedQueue
	scheds map[string]*Scheduler
}

func NewManager(kv queue.KV, jobs JobStore) *Manager {
	return &Manager{
		kv:     kv,
		jobs:   jobs,
		queues: make(map[string]*queue.NamedQueue),
		scheds: make(map[string]*Scheduler),
	}
}

// Register creates the named queue and binds its only consumer.
// Registering the same name twice fails.
func (m *Manager) Register(name string, handler Handler, opts Options) (*Scheduler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scheds[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}

	q := queue.New(name, m.kv, 0)
	s := newScheduler(q, m.jobs, handler, opts)
	m.queues[name] = q
	m.scheds[name] = s
	return s, nil
}

// Enqueue appends item to the named queue.
func (m *Manager) Enqueue(ctx context.Context, name string, item entity.QueueItem) error {
	m.mu.Lock()
	q, ok := m.queues[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q.Enqueue(ctx, item)
}

// Start launches every registered scheduler loop. Loops run until ctx
// is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.scheds {
		go s.Run(ctx)
	}
}
