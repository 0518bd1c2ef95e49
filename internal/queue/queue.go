// Package queue hands process jobs from ingestion to the pipeline.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/Lllllllleong/ragdocumentflow/internal/models"
)

var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher submits a job for asynchronous processing. A nil error means
// the job was accepted, not that it ran.
type Dispatcher interface {
	Submit(ctx context.Context, job models.ProcessJob) error
}

// Handler runs one job.
type Handler func(ctx context.Context, job models.ProcessJob) error

// LocalDispatcher runs jobs on a bounded in-process worker pool. Jobs are
// detached from the submitter's context so that they outlive the request
// that queued them.
type LocalDispatcher struct {
	pool       *ants.Pool
	handler    Handler
	jobTimeout time.Duration
	logger     *slog.Logger
	wg         sync.WaitGroup
}

type Option func(*LocalDispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *LocalDispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithJobTimeout bounds each job. Zero leaves jobs unbounded.
func WithJobTimeout(timeout time.Duration) Option {
	return func(d *LocalDispatcher) { d.jobTimeout = timeout }
}

// NewLocalDispatcher creates a pool of size workers. A size below one
// defaults to half the CPUs.
func NewLocalDispatcher(size int, handler Handler, opts ...Option) (*LocalDispatcher, error) {
	if handler == nil {
		return nil, errors.New("queue: handler is required")
	}
	if size < 1 {
		size = max(runtime.NumCPU()/2, 1)
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("queue: create worker pool: %w", err)
	}
	d := &LocalDispatcher{pool: pool, handler: handler, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *LocalDispatcher) Submit(ctx context.Context, job models.ProcessJob) error {
	if d.pool.IsClosed() {
		return ErrClosed
	}
	jobCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	err := d.pool.Submit(func() {
		defer d.wg.Done()
		runCtx := jobCtx
		if d.jobTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(jobCtx, d.jobTimeout)
			defer cancel()
		}
		if err := d.handler(runCtx, job); err != nil {
			d.logger.Error("Queued job failed.", "documentId", job.DocumentID, "attempt", job.Attempt, "error", err)
		}
	})
	if err != nil {
		d.wg.Done()
		if errors.Is(err, ants.ErrPoolClosed) {
			return ErrClosed
		}
		return fmt.Errorf("queue: submit job for %s: %w", job.DocumentID, err)
	}
	return nil
}

// Wait blocks until every accepted job has finished.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}

// Close waits for running jobs and releases the pool.
func (d *LocalDispatcher) Close() error {
	d.wg.Wait()
	d.pool.Release()
	return nil
}
