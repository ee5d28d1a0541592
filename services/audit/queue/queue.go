// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue serializes auditor invocations behind a bounded FIFO
// work queue. Concurrency is capped by a worker pool; admission is
// capped by queue capacity; waiting is capped by a per-submit deadline.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
)

// Job is one unit of auditor work. The context passed to the job is
// canceled when the submitting caller gives up.
type Job func(ctx context.Context) (*datatypes.AuditResult, error)

// jobEnvelope carries a queued job and its completion channel.
// started is closed when a worker dequeues the job, which ends the
// submitter's wait-deadline window.
type jobEnvelope struct {
	ctx     context.Context
	cancel  context.CancelFunc
	run     Job
	started chan struct{}
	done    chan jobOutcome
}

type jobOutcome struct {
	result *datatypes.AuditResult
	err    error
}

// Config configures the Queue.
type Config struct {
	// MaxConcurrent is the worker count (>= 1).
	MaxConcurrent int

	// WaitDeadline bounds how long a submit may wait for its turn.
	// Zero disables the deadline.
	WaitDeadline time.Duration

	// Capacity bounds queued-but-not-running jobs.
	Capacity int
}

// Queue is a bounded FIFO auditor work queue.
//
// Description:
//
//	Submissions are admitted into a buffered channel consumed by a
//	fixed worker pool, which preserves arrival order. A full channel
//	refuses admission immediately (KindQueueFull). A submit whose
//	wait deadline expires before a worker picks the job up fails with
//	KindQueueTimeout, and the job is skipped when a worker eventually
//	reaches it.
//
// Thread Safety: Safe for concurrent use.
type Queue struct {
	pending chan *jobEnvelope
	config  Config
	logger  *slog.Logger

	workers *errgroup.Group
	running atomic.Int64

	// mu serializes admission against Close so nothing sends on a
	// closed channel.
	mu     sync.RWMutex
	closed bool
}

// New creates and starts a Queue.
//
// Inputs:
//
//	config - Queue configuration. Zero MaxConcurrent is coerced to 1.
//	logger - Logger for structured logging. If nil, uses slog.Default().
//
// Outputs:
//
//	*Queue - The running queue. Caller must Close().
func New(config Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}
	if config.Capacity < 1 {
		config.Capacity = 1
	}

	q := &Queue{
		pending: make(chan *jobEnvelope, config.Capacity),
		config:  config,
		logger:  logger.With(slog.String("component", "audit_queue")),
		workers: &errgroup.Group{},
	}

	for i := 0; i < config.MaxConcurrent; i++ {
		q.workers.Go(q.workerLoop)
	}
	return q
}

// Submit enqueues a job and waits for its outcome.
//
// Description:
//
//	Admission is immediate-or-refuse: a full queue returns
//	KindQueueFull without waiting. Once admitted, the caller waits for
//	a worker to pick the job up, bounded by the wait deadline and by
//	ctx. The deadline covers queue wait only: once a worker starts the
//	job it is disarmed, and execution is bounded by the job's own
//	timeout. A job abandoned before a worker reached it is skipped,
//	not executed. A job abandoned mid-run has its context canceled.
//
// Inputs:
//
//	ctx - Context for cancellation; also the parent of the job context.
//	job - The work to execute.
//
// Outputs:
//
//	*datatypes.AuditResult - The job's result on success.
//	error - KindQueueFull, KindQueueTimeout, ctx.Err(), or the job's
//	    own error.
//
// Thread Safety: Safe for concurrent use.
func (q *Queue) Submit(ctx context.Context, job Job) (*datatypes.AuditResult, error) {
	jobCtx, cancel := context.WithCancel(ctx)
	env := &jobEnvelope{
		ctx:     jobCtx,
		cancel:  cancel,
		run:     job,
		started: make(chan struct{}),
		done:    make(chan jobOutcome, 1),
	}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		cancel()
		return nil, datatypes.NewError(datatypes.KindQueueFull, "queue is shut down")
	}
	select {
	case q.pending <- env:
		q.mu.RUnlock()
	default:
		q.mu.RUnlock()
		cancel()
		return nil, datatypes.NewError(datatypes.KindQueueFull, "audit queue at capacity")
	}

	var deadline <-chan time.Time
	if q.config.WaitDeadline > 0 {
		timer := time.NewTimer(q.config.WaitDeadline)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-env.started:
		return q.awaitOutcome(ctx, env)
	case outcome := <-env.done:
		cancel()
		return outcome.result, outcome.err
	case <-deadline:
		// A pickup that raced the timer still wins: the deadline
		// bounds queue wait, never execution.
		select {
		case <-env.started:
			return q.awaitOutcome(ctx, env)
		default:
		}
		cancel()
		q.logger.Warn("Submit abandoned on wait deadline",
			slog.Duration("wait_deadline", q.config.WaitDeadline),
			slog.Int("depth", len(q.pending)),
		)
		return nil, datatypes.NewError(datatypes.KindQueueTimeout, "audit queue wait deadline exceeded")
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

// awaitOutcome waits for a started job, bounded only by ctx.
func (q *Queue) awaitOutcome(ctx context.Context, env *jobEnvelope) (*datatypes.AuditResult, error) {
	select {
	case outcome := <-env.done:
		env.cancel()
		return outcome.result, outcome.err
	case <-ctx.Done():
		env.cancel()
		return nil, ctx.Err()
	}
}

// workerLoop consumes the pending channel until Close.
func (q *Queue) workerLoop() error {
	for env := range q.pending {
		if env.ctx.Err() != nil {
			// Abandoned while queued; never started.
			env.done <- jobOutcome{err: env.ctx.Err()}
			continue
		}

		close(env.started)
		q.running.Add(1)
		result, err := env.run(env.ctx)
		q.running.Add(-1)

		env.done <- jobOutcome{result: result, err: err}
	}
	return nil
}

// Depth returns the number of queued-but-not-running jobs.
func (q *Queue) Depth() int { return len(q.pending) }

// Running returns the number of jobs currently executing.
func (q *Queue) Running() int { return int(q.running.Load()) }

// Close drains the queue and stops the workers. Jobs already queued
// still run; new submits are refused.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.pending)
	q.mu.Unlock()
	return q.workers.Wait()
}
