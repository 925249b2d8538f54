// Package async is the Async Executor (C4). It tracks the Promise/Pending
// model a sandbox invocation suspends into, runs run_on_background callbacks
// on a bounded worker pool, and arbitrates the single global write lock that
// block() acquires — re-verifying policy at every acquisition, exactly as
// the Policy Enforcer's invariants require. The write-lock wait loop uses a
// sync.Cond bound to the lock's mutex, with a goroutine translating
// ctx.Done into a Broadcast since sync.Cond has no native context-awareness.
package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gearsrt/runtime/internal/domain"
	"github.com/gearsrt/runtime/internal/logging"
	"github.com/gearsrt/runtime/internal/observability"
	"github.com/gearsrt/runtime/internal/policy"
)

// Config controls the background worker pool and block() acquisition.
type Config struct {
	Workers         int
	BlockAcquireWait time.Duration
}

func DefaultConfig() Config {
	return Config{Workers: 8, BlockAcquireWait: 30 * time.Second}
}

// Executor is the Async Executor.
type Executor struct {
	cfg     Config
	policy  *policy.Enforcer
	jobs    chan job

	mu    sync.RWMutex
	tasks map[string]*domain.BackgroundTask

	lockMu   sync.Mutex
	lockCond *sync.Cond
	locked   bool
	waiters  int

	wg sync.WaitGroup
}

type job struct {
	task *domain.BackgroundTask
	fn   func(ctx context.Context) (any, error)
}

func New(cfg Config, enforcer *policy.Enforcer) *Executor {
	e := &Executor{
		cfg:    cfg,
		policy: enforcer,
		jobs:   make(chan job, cfg.Workers*4),
		tasks:  make(map[string]*domain.BackgroundTask),
	}
	e.lockCond = sync.NewCond(&e.lockMu)
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.runWorker()
	}
	return e
}

func (e *Executor) runWorker() {
	defer e.wg.Done()
	for j := range e.jobs {
		e.run(j)
	}
}

func (e *Executor) run(j job) {
	ctx := context.Background()
	e.setState(j.task.ID, domain.TaskRunning, nil, "")

	result, err := j.fn(ctx)
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.tasks[j.task.ID]
	if t == nil {
		return
	}
	t.ResolvedAt = &now
	if err != nil {
		t.State = domain.TaskRejected
		t.Error = err.Error()
		logging.Op().Warn("background task rejected", "task", t.ID, "function", t.Context.Function, "error", err)
		return
	}
	t.State = domain.TaskResolved
	if b, ok := result.([]byte); ok {
		t.Result = b
	}
}

func (e *Executor) setState(id string, state domain.TaskState, result []byte, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tasks[id]; ok {
		t.State = state
		if result != nil {
			t.Result = result
		}
		if errMsg != "" {
			t.Error = errMsg
		}
	}
}

// RunOnBackground implements run_on_background: it registers a pending task
// and schedules fn onto the worker pool, returning immediately with the
// task's id so script code can track it without blocking the caller.
func (e *Executor) RunOnBackground(ictx domain.InvocationContext, fn func(ctx context.Context) (any, error)) *domain.BackgroundTask {
	t := &domain.BackgroundTask{
		ID:        uuid.New().String(),
		Context:   ictx,
		State:     domain.TaskPending,
		CreatedAt: time.Now(),
	}
	e.mu.Lock()
	e.tasks[t.ID] = t
	e.mu.Unlock()

	e.jobs <- job{task: t, fn: fn}
	return t
}

func (e *Executor) Task(id string) (*domain.BackgroundTask, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tasks[id]
	return t, ok
}

// Block implements the block() contract: a suspended invocation requests
// the single global write lock. Policy is re-verified both before waiting
// and immediately after acquisition, since role/memory state can change
// while a task was queued.
func (e *Executor) Block(ctx context.Context, role domain.Role, noWrites, allowOOM bool) (func(), error) {
	ctx, span := observability.StartSpan(ctx, "gears.block", observability.AttrTrigger.String("block"))
	defer span.End()

	if err := e.policy.VerifyBlock(role, noWrites, allowOOM); err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}

	e.lockMu.Lock()
	if err := e.waitForLockLocked(ctx); err != nil {
		e.lockMu.Unlock()
		observability.SetSpanError(span, err)
		return nil, err
	}
	e.locked = true
	e.lockMu.Unlock()

	if err := e.policy.VerifyBlock(role, noWrites, allowOOM); err != nil {
		e.unlock()
		observability.SetSpanError(span, err)
		return nil, err
	}

	observability.SetSpanOK(span)
	return e.unlock, nil
}

// waitForLockLocked suspends the caller until the write lock is free or ctx
// is cancelled. When BlockAcquireWait is set, a timer broadcasts on the
// condition once that duration elapses; waiters re-check ctx and keep
// waiting, so the wait itself has no time limit. Must be called with
// e.lockMu held; it releases the mutex via cond.Wait and reacquires it
// before returning.
func (e *Executor) waitForLockLocked(ctx context.Context) error {
	if e.locked {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.waiters++
		defer func() { e.waiters-- }()

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				e.lockMu.Lock()
				e.lockCond.Broadcast()
				e.lockMu.Unlock()
			case <-done:
			}
		}()

		var timer *time.Timer
		if e.cfg.BlockAcquireWait > 0 {
			timer = time.AfterFunc(e.cfg.BlockAcquireWait, func() {
				e.lockMu.Lock()
				e.lockCond.Broadcast()
				e.lockMu.Unlock()
			})
		}

		for e.locked {
			e.lockCond.Wait()
			if err := ctx.Err(); err != nil {
				close(done)
				if timer != nil {
					timer.Stop()
				}
				return err
			}
		}
		close(done)
		if timer != nil {
			timer.Stop()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (e *Executor) unlock() {
	e.lockMu.Lock()
	e.locked = false
	e.lockCond.Signal()
	e.lockMu.Unlock()
}

// Shutdown drains queued jobs and stops accepting new ones.
func (e *Executor) Shutdown(ctx context.Context) error {
	close(e.jobs)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("async executor shutdown: %w", ctx.Err())
	}
}
