// Pvcbootstrapd is the bootstrap controller for PVC clusters.
// Copyright (C) 2025 The Parallel Virtual Cluster contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package queue runs the dispatcher worker pool that drains the durable
// check-in task queue. Workers lease the oldest queued task, invoke the
// handler registered under its name, and renew the lease from a
// heartbeat goroutine while the handler runs. A janitor sweeps expired
// leases back to queued so tasks abandoned by a crashed worker are
// picked up again; handlers must therefore be idempotent.
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

	"pvcbootstrapd/internal/metrics"
	"pvcbootstrapd/internal/store"
	"pvcbootstrapd/pkg/models"
)

// Store defines the persistence operations required by the dispatcher.
type Store interface {
	EnqueueTask(ctx context.Context, task *models.Task) error
	AcquireQueuedTask(ctx context.Context, workerID string, leaseTTL time.Duration) (*models.Task, error)
	ExtendTaskLease(ctx context.Context, taskID, workerID string, leaseTTL time.Duration) (bool, error)
	CompleteTask(ctx context.Context, taskID string) error
	FailTask(ctx context.Context, taskID, message string) error
	RequeueExpiredTasks(ctx context.Context) (int64, error)
}

// Handler processes one leased task. The context is canceled when the
// daemon shuts down or when the task's lease is lost to another worker.
type Handler func(ctx context.Context, task *models.Task) error

// Config controls dispatcher concurrency and lease timing.
type Config struct {
	// Number of concurrent workers.
	Workers int

	// How often an idle worker polls for queued tasks.
	PollInterval time.Duration

	// Lease management. A worker holds a task lease for LeaseTTL and
	// renews it every ExtendLeaseEvery while its handler runs.
	LeaseTTL         time.Duration
	ExtendLeaseEvery time.Duration

	// How often expired leases are swept back to queued.
	JanitorInterval time.Duration
}

// Dispatcher owns the worker pool and the handler registry.
type Dispatcher struct {
	store    Store
	logger   *slog.Logger
	cfg      Config
	handlers map[string]Handler
}

// NewDispatcher constructs a Dispatcher, applying defaults for any unset
// Config fields.
func NewDispatcher(st Store, logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.ExtendLeaseEvery <= 0 || cfg.ExtendLeaseEvery >= cfg.LeaseTTL {
		cfg.ExtendLeaseEvery = cfg.LeaseTTL / 2
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = 30 * time.Second
	}
	return &Dispatcher{
		store:    st,
		logger:   logger,
		cfg:      cfg,
		handlers: make(map[string]Handler),
	}
}

// Register binds handler to tasks enqueued under name. All registration
// must happen before Run starts; the registry is not locked.
func (d *Dispatcher) Register(name string, handler Handler) {
	d.handlers[name] = handler
}

// Enqueue persists a new task for the pool, assigning it a fresh ID.
func Enqueue(ctx context.Context, st Store, handler string, payload json.RawMessage) (*models.Task, error) {
	task := models.NewTask(handler, payload)
	task.ID = uuid.NewString()
	if err := st.EnqueueTask(ctx, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Run starts the workers and the lease janitor and blocks until ctx is
// canceled and every worker has returned. Leases abandoned by a previous
// process are requeued before the first worker starts.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher starting",
		"workers", d.cfg.Workers,
		"poll", d.cfg.PollInterval,
		"lease_ttl", d.cfg.LeaseTTL)
	defer d.logger.Info("dispatcher stopped")

	if n, err := d.store.RequeueExpiredTasks(ctx); err != nil {
		d.logger.Error("requeue expired tasks", "error", err)
	} else if n > 0 {
		d.logger.Warn("requeued tasks abandoned by a previous run", "count", n)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.runJanitor(ctx)
	}()

	for i := 0; i < d.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i+1, uuid.NewString()[:8])
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runWorker(ctx, workerID)
		}()
	}

	wg.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context, workerID string) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		task, err := d.store.AcquireQueuedTask(ctx, workerID, d.cfg.LeaseTTL)
		if err == nil && task != nil {
			d.process(ctx, workerID, task)
			continue
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) && ctx.Err() == nil {
			d.logger.Error("acquire task", "worker", workerID, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, workerID string, task *models.Task) {
	log := d.logger.With("worker", workerID, "task", task.ID, "handler", task.Handler)

	handler, ok := d.handlers[task.Handler]
	if !ok {
		log.Error("no handler registered")
		if err := d.store.FailTask(ctx, task.ID, fmt.Sprintf("no handler registered for %q", task.Handler)); err != nil {
			log.Error("mark task failed", "error", err)
		}
		metrics.ObserveTask(task.Handler, models.TaskStatusFailed.String(), 0)
		return
	}

	log.Info("task started", "attempt", task.Attempts)
	start := time.Now()

	// The heartbeat renews the lease while the handler runs and cancels
	// the handler if the lease is lost to another worker.
	hctx, cancel := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go d.heartbeat(hctx, cancel, workerID, task.ID, heartbeatDone)

	err := handler(hctx, task)
	interrupted := hctx.Err() != nil && errors.Is(err, context.Canceled)
	cancel()
	<-heartbeatDone

	duration := time.Since(start)
	if err != nil {
		if interrupted {
			// Shutdown or lost lease. Leave the row running: the lease
			// expires and the janitor requeues the task for a retry.
			log.Warn("task interrupted", "duration", duration.Round(time.Millisecond))
			return
		}
		log.Error("task failed", "duration", duration.Round(time.Millisecond), "error", err)
		if ferr := d.store.FailTask(ctx, task.ID, truncate(err.Error(), 2000)); ferr != nil {
			log.Error("mark task failed", "error", ferr)
		}
		metrics.ObserveTask(task.Handler, models.TaskStatusFailed.String(), duration)
		return
	}

	log.Info("task completed", "duration", duration.Round(time.Millisecond))
	if err := d.store.CompleteTask(ctx, task.ID); err != nil {
		log.Error("mark task completed", "error", err)
	}
	metrics.ObserveTask(task.Handler, models.TaskStatusCompleted.String(), duration)
}

func (d *Dispatcher) heartbeat(ctx context.Context, cancel context.CancelFunc, workerID, taskID string, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.ExtendLeaseEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := d.store.ExtendTaskLease(ctx, taskID, workerID, d.cfg.LeaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("extend task lease", "worker", workerID, "task", taskID, "error", err)
			continue
		}
		if !ok {
			d.logger.Warn("task lease lost, canceling handler", "worker", workerID, "task", taskID)
			cancel()
			return
		}
	}
}

func (d *Dispatcher) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := d.store.RequeueExpiredTasks(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("requeue expired tasks", "error", err)
			}
			continue
		}
		if n > 0 {
			d.logger.Warn("requeued tasks with expired leases", "count", n)
		}
	}
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
