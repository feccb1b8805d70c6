// Package concurrency provides the bounded pool that runs exchange requests off
// the engine loops.
package concurrency

import (
	"fmt"
	"sync/atomic"
	"time"

	"trade_engine/internal/core"
	apperrors "trade_engine/pkg/errors"

	"github.com/alitto/pond"
)

// PoolConfig holds configuration for a worker pool
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool // Submit fails with ErrPoolFull instead of waiting for room
}

// PoolStats is a point-in-time view of the pool
type PoolStats struct {
	Name       string `json:"name"`
	Running    int    `json:"running_workers"`
	Idle       int    `json:"idle_workers"`
	Waiting    uint64 `json:"waiting_tasks"`
	Submitted  uint64 `json:"submitted_tasks"`
	Successful uint64 `json:"successful_tasks"`
	Panicked   uint64 `json:"failed_tasks"`
	Rejected   uint64 `json:"rejected_tasks"`
}

// WorkerPool runs tasks on a bounded set of goroutines
type WorkerPool struct {
	pool     *pond.WorkerPool
	config   PoolConfig
	logger   core.ILogger
	rejected atomic.Uint64
}

// NewWorkerPool creates a worker pool. Zero values select 4 workers, a queue of
// 100 tasks and a 60s idle timeout.
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	log := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)

	return &WorkerPool{
		pool: pond.New(
			cfg.MaxWorkers,
			cfg.MaxCapacity,
			pond.MinWorkers(1),
			pond.IdleTimeout(cfg.IdleTimeout),
			pond.Strategy(pond.Balanced()),
			pond.PanicHandler(func(p interface{}) {
				log.Error("Task panicked", "panic", p)
			}),
		),
		config: cfg,
		logger: log,
	}
}

// Submit queues a task. A stopped pool, or a full one in non-blocking mode,
// returns ErrPoolFull.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.pool.Stopped() {
		wp.rejected.Add(1)
		return fmt.Errorf("worker pool %s is stopped: %w", wp.config.Name, apperrors.ErrPoolFull)
	}
	if !wp.config.NonBlocking {
		wp.pool.Submit(task)
		return nil
	}
	if !wp.pool.TrySubmit(task) {
		wp.rejected.Add(1)
		wp.logger.Warn("Task rejected, queue full", "capacity", wp.config.MaxCapacity)
		return fmt.Errorf("worker pool %s is full (capacity %d): %w", wp.config.Name, wp.config.MaxCapacity, apperrors.ErrPoolFull)
	}
	return nil
}

// Stop waits for queued tasks and stops the workers
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

// Stats returns pool counters
func (wp *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Name:       wp.config.Name,
		Running:    wp.pool.RunningWorkers(),
		Idle:       wp.pool.IdleWorkers(),
		Waiting:    wp.pool.WaitingTasks(),
		Submitted:  wp.pool.SubmittedTasks(),
		Successful: wp.pool.SuccessfulTasks(),
		Panicked:   wp.pool.FailedTasks(),
		Rejected:   wp.rejected.Load(),
	}
}
