// Package queue implements the durable outbound send queue: reply
// generation finishes the turn, delivery happens here with its own
// retry budget. Jobs live in a broker (Redis in production); workers
// pull, execute, and either acknowledge, reschedule with backoff, or
// dead-letter.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solvia-ai/relay/internal/retry"
)

// Defaults for the enqueue contract.
const (
	DefaultAttempts      = 5
	DefaultBackoff       = 3 * time.Second
	DefaultKeepCompleted = 100
	DefaultKeepFailed    = 500

	maxBackoff          = 5 * time.Minute
	defaultPollInterval = time.Second
	promoteBatch        = 100
)

// Outcome keys for retention records.
const (
	outcomeCompleted = "completed"
	outcomeDead      = "dead"
)

// Job is one unit of outbound work.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	Attempt    int             `json:"attempt"`
	Backoff    time.Duration   `json:"backoff"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// JobOptions tune one enqueue. Zero values take the defaults.
type JobOptions struct {
	// Attempts caps total executions, including the first.
	Attempts int
	// Backoff is the delay before the first retry; later retries
	// double it up to a bound.
	Backoff time.Duration
}

// Handler executes one job. A nil return acknowledges it; an error
// consumes one attempt.
type Handler func(ctx context.Context, job *Job) error

// Broker persists queue state. Implementations must be safe for
// concurrent use.
type Broker interface {
	// Push appends a job to the queue's ready list.
	Push(ctx context.Context, queue string, raw []byte) error
	// Pop blocks up to timeout for the next ready job; (nil, nil)
	// on timeout.
	Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	// Schedule parks a job until readyAt.
	Schedule(ctx context.Context, queue string, raw []byte, readyAt time.Time) error
	// Due atomically claims up to limit parked jobs whose time has
	// come.
	Due(ctx context.Context, queue string, now time.Time, limit int) ([][]byte, error)
	// Record retains a finished job under an outcome, trimmed to
	// keep entries.
	Record(ctx context.Context, queue, outcome string, raw []byte, keep int) error
	// Depth reports ready and parked counts.
	Depth(ctx context.Context, queue string) (ready, delayed int64, err error)
	// Ping verifies the broker is reachable.
	Ping(ctx context.Context) error
}

// Options configure the queue manager.
type Options struct {
	// Broker stores jobs. Required.
	Broker Broker

	// KeepCompleted bounds the completed-job record. Defaults to 100.
	KeepCompleted int

	// KeepFailed bounds the dead-letter record. Defaults to 500.
	KeepFailed int

	// PollInterval is the pop timeout and the promote cadence.
	// Defaults to 1s.
	PollInterval time.Duration

	Logger *slog.Logger
}

type registration struct {
	concurrency int
	handler     Handler
}

// Queue coordinates workers over a broker.
type Queue struct {
	broker        Broker
	keepCompleted int
	keepFailed    int
	poll          time.Duration
	logger        *slog.Logger

	mu            sync.Mutex
	registrations map[string]registration
	started       bool

	wg sync.WaitGroup
}

// New builds a queue manager.
func New(opts Options) (*Queue, error) {
	if opts.Broker == nil {
		return nil, errors.New("queue: broker is required")
	}
	if opts.KeepCompleted <= 0 {
		opts.KeepCompleted = DefaultKeepCompleted
	}
	if opts.KeepFailed <= 0 {
		opts.KeepFailed = DefaultKeepFailed
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue{
		broker:        opts.Broker,
		keepCompleted: opts.KeepCompleted,
		keepFailed:    opts.KeepFailed,
		poll:          opts.PollInterval,
		logger:        opts.Logger.With("component", "queue"),
		registrations: make(map[string]registration),
	}, nil
}

// Enqueue persists a job for asynchronous execution. The returned job
// carries the assigned id.
func (q *Queue) Enqueue(ctx context.Context, queueName, jobName string, payload any, opts JobOptions) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s/%s: encode payload: %w", queueName, jobName, err)
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	job := &Job{
		ID:         uuid.NewString(),
		Queue:      queueName,
		Name:       jobName,
		Payload:    raw,
		Attempts:   opts.Attempts,
		Backoff:    opts.Backoff,
		EnqueuedAt: time.Now().UTC(),
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s/%s: %w", queueName, jobName, err)
	}
	if err := q.broker.Push(ctx, queueName, encoded); err != nil {
		return nil, fmt.Errorf("enqueue %s/%s: %w", queueName, jobName, err)
	}
	q.logger.Debug("job enqueued",
		"queue", queueName,
		"job", jobName,
		"job_id", job.ID)
	return job, nil
}

// Register installs the handler and worker count for a queue. Must be
// called before Start.
func (q *Queue) Register(queueName string, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.registrations[queueName] = registration{concurrency: concurrency, handler: handler}
}

// Start launches worker pools and the promote loop for every
// registered queue. Workers stop when ctx is cancelled; Wait blocks
// until they drain.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	for name, reg := range q.registrations {
		for i := 0; i < reg.concurrency; i++ {
			q.wg.Add(1)
			go q.workerLoop(ctx, name, reg.handler)
		}
		q.wg.Add(1)
		go q.promoteLoop(ctx, name)
	}
}

// Wait blocks until every worker has exited.
func (q *Queue) Wait() { q.wg.Wait() }

// Ping reports broker reachability.
func (q *Queue) Ping(ctx context.Context) error { return q.broker.Ping(ctx) }

// Depth reports ready and delayed counts for a queue.
func (q *Queue) Depth(ctx context.Context, queueName string) (int64, int64, error) {
	return q.broker.Depth(ctx, queueName)
}

func (q *Queue) workerLoop(ctx context.Context, queueName string, handler Handler) {
	defer q.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		raw, err := q.broker.Pop(ctx, queueName, q.poll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("queue pop failed", "queue", queueName, "error", err)
			sleepCtx(ctx, q.poll)
			continue
		}
		if raw == nil {
			continue
		}
		q.runJob(ctx, queueName, handler, raw)
	}
}

func (q *Queue) runJob(ctx context.Context, queueName string, handler Handler, raw []byte) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		q.logger.Error("queue job corrupt, dropping", "queue", queueName, "error", err)
		return
	}
	job.Attempt++

	err := handler(ctx, &job)
	if err == nil {
		q.record(ctx, queueName, outcomeCompleted, &job, q.keepCompleted)
		q.logger.Debug("job completed",
			"queue", queueName,
			"job", job.Name,
			"job_id", job.ID,
			"attempt", job.Attempt)
		return
	}

	job.LastError = err.Error()
	if job.Attempt >= job.Attempts {
		q.record(ctx, queueName, outcomeDead, &job, q.keepFailed)
		q.logger.Error("CRITICAL: job exhausted retry budget",
			"queue", queueName,
			"job", job.Name,
			"job_id", job.ID,
			"attempts", job.Attempt,
			"error", err)
		return
	}

	delay := retry.Backoff(job.Attempt, job.Backoff, maxBackoff, 2.0)
	encoded, marshalErr := json.Marshal(&job)
	if marshalErr != nil {
		q.logger.Error("CRITICAL: job re-encode failed, dropping", "queue", queueName, "job_id", job.ID, "error", marshalErr)
		return
	}
	if scheduleErr := q.broker.Schedule(ctx, queueName, encoded, time.Now().Add(delay)); scheduleErr != nil {
		q.record(ctx, queueName, outcomeDead, &job, q.keepFailed)
		q.logger.Error("CRITICAL: retry schedule failed, job dead-lettered",
			"queue", queueName,
			"job_id", job.ID,
			"error", scheduleErr)
		return
	}
	q.logger.Warn("job failed, retry scheduled",
		"queue", queueName,
		"job", job.Name,
		"job_id", job.ID,
		"attempt", job.Attempt,
		"of", job.Attempts,
		"delay", delay,
		"error", err)
}

func (q *Queue) record(ctx context.Context, queueName, outcome string, job *Job, keep int) {
	encoded, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := q.broker.Record(ctx, queueName, outcome, encoded, keep); err != nil {
		q.logger.Warn("queue record failed", "queue", queueName, "outcome", outcome, "error", err)
	}
}

// promoteLoop moves due delayed jobs back onto the ready list.
func (q *Queue) promoteLoop(ctx context.Context, queueName string) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		due, err := q.broker.Due(ctx, queueName, time.Now(), promoteBatch)
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Warn("queue promote failed", "queue", queueName, "error", err)
			}
			continue
		}
		for _, raw := range due {
			if err := q.broker.Push(ctx, queueName, raw); err != nil {
				// The job is already claimed; parking it again is
				// the only way not to lose it.
				if scheduleErr := q.broker.Schedule(ctx, queueName, raw, time.Now()); scheduleErr != nil {
					q.logger.Error("CRITICAL: promoted job lost",
						"queue", queueName,
						"error", scheduleErr)
				}
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
