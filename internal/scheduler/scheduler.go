// Package scheduler runs one bounded consumer loop per named queue.
//
// Each Scheduler owns exactly one NamedQueue and one handler. Items
// are dispatched FIFO up to MaxParallel concurrent executions; a
// failed item is re-appended to the tail until its retry budget is
// spent, at which point the job is marked failed with the last error.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"media-pipeline-service/internal/entity"
	"media-pipeline-service/internal/queue"
)

// Handler executes one queue item. Returning a non-nil status applies
// that status to the job instead of the default succeeded; this is how
// stages that complete through an external callback keep the job
// pending.
type Handler func(ctx context.Context, jobID uuid.UUID, payload json.RawMessage) (*entity.JobStatus, error)

// JobStore is the slice of the job repository the scheduler needs.
type JobStore interface {
	Update(ctx context.Context, id uuid.UUID, status *entity.JobStatus, patch map[string]any) (*entity.Job, error)
}

// Options tune one scheduler loop. Zero values select the defaults.
type Options struct {
	// MaxParallel bounds concurrent handler executions. Default 1:
	// downstream GPU services have little parallel capacity.
	MaxParallel int
	// IdlePoll is the wait between queue checks while nothing is
	// pending or running. Default 5s.
	IdlePoll time.Duration
	// DispatchEvery is the wait between dispatch rounds while work is
	// active, so growth during execution is picked up promptly.
	// Default 1s.
	DispatchEvery time.Duration
	// HandleDelay holds the execution slot after a successful item,
	// throttling back-to-back load on the remote services. Default 5s.
	HandleDelay time.Duration
	// RetryDelay holds the slot after a failed item. Default 5s.
	RetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 1
	}
	if o.IdlePoll <= 0 {
		o.IdlePoll = 5 * time.Second
	}
	if o.DispatchEvery <= 0 {
		o.DispatchEvery = time.Second
	}
	if o.HandleDelay <= 0 {
		o.HandleDelay = 5 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	return o
}

type Scheduler struct {
	queue   *queue.NamedQueue
	jobs    JobStore
	handler Handler
	opts    Options

	// slots is a semaphore of size MaxParallel; a held token is one
	// active execution (including its post-run delay).
	slots chan struct{}
}

func newScheduler(q *queue.NamedQueue, jobs JobStore, handler Handler, opts Options) *Scheduler {
	opts = opts.withDefaults()
	return &Scheduler{
		queue:   q,
		jobs:    jobs,
		handler: handler,
		opts:    opts,
		slots:   make(chan struct{}, opts.MaxParallel),
	}
}

// Run drives the loop until ctx is cancelled. Schedulers have no other
// shutdown path; in-flight handlers observe the same ctx.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[scheduler] queue=%s started max_parallel=%d", s.queue.Name(), s.opts.MaxParallel)

	for {
		started := s.dispatch(ctx)

		wait := s.opts.DispatchEvery
		if started == 0 && len(s.slots) == 0 {
			wait = s.opts.IdlePoll
		}

		select {
		case <-ctx.Done():
			log.Printf("[scheduler] queue=%s stopped", s.queue.Name())
			return
		case <-time.After(wait):
		}
	}
}

// dispatch pulls head items while a slot is free and the queue is
// non-empty, starting each as its own goroutine.
func (s *Scheduler) dispatch(ctx context.Context) int {
	started := 0
	for {
		select {
		case s.slots <- struct{}{}:
		default:
			return started
		}

		item, ok, err := s.queue.Dequeue(ctx)
		if err != nil || !ok {
			<-s.slots
			if err != nil {
				log.Printf("[scheduler] queue=%s dequeue error=%v", s.queue.Name(), err)
			}
			return started
		}

		started++
		go s.execute(ctx, item)
	}
}

func (s *Scheduler) execute(ctx context.Context, item entity.QueueItem) {
	defer func() { <-s.slots }()

	start := time.Now()
	log.Printf("[scheduler] queue=%s job_id=%s attempt=%d", s.queue.Name(), item.JobID, item.RetryCount+1)

	status, err := s.handler(ctx, item.JobID, item.Payload)
	if err != nil {
		s.fail(ctx, item, err)
		sleep(ctx, s.opts.RetryDelay)
		return
	}

	applied := entity.StatusSucceeded
	if status != nil {
		applied = *status
	}
	if _, uerr := s.jobs.Update(ctx, item.JobID, &applied, nil); uerr != nil {
		// The item is already consumed; dropping the write would leave
		// the job pending with nothing left to run it. A failed status
		// write re-enters the retry policy like any handler failure.
		s.fail(ctx, item, fmt.Errorf("record status: %w", uerr))
		sleep(ctx, s.opts.RetryDelay)
		return
	}

	log.Printf("[scheduler] queue=%s job_id=%s status=%s duration_ms=%d",
		s.queue.Name(), item.JobID, applied, time.Since(start).Milliseconds())
	sleep(ctx, s.opts.HandleDelay)
}

// fail applies the retry policy: re-append while budget remains,
// otherwise fail the job with the last error as result.message.
func (s *Scheduler) fail(ctx context.Context, item entity.QueueItem, cause error) {
	item.RetryCount++

	if item.RetryCount > item.MaxRetry {
		failed := entity.StatusFailed
		if _, err := s.jobs.Update(ctx, item.JobID, &failed, map[string]any{"message": cause.Error()}); err != nil {
			log.Printf("[scheduler] queue=%s job_id=%s fail update error=%v", s.queue.Name(), item.JobID, err)
		}
		log.Printf("[scheduler] queue=%s job_id=%s status=failed retries=%d error=%s",
			s.queue.Name(), item.JobID, item.RetryCount-1, cause.Error())
		return
	}

	if err := s.queue.Reappend(ctx, item); err != nil {
		log.Printf("[scheduler] queue=%s job_id=%s reappend error=%v", s.queue.Name(), item.JobID, err)
		return
	}
	log.Printf("[scheduler] queue=%s job_id=%s retry=%d/%d error=%s",
		s.queue.Name(), item.JobID, item.RetryCount, item.MaxRetry, cause.Error())
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
