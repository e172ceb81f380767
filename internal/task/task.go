// Package task manages the goroutines of long-running application components.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paxapos/fiscalberry-sub001/logger"
)

// ErrStopped is returned when a task is started on a stopped manager.
var ErrStopped = errors.New("task: manager stopped")

// startTimeout bounds the wait for a task goroutine to come up.
const startTimeout = 5 * time.Second

// LoopFunc is one iteration of a looping task. Return false to stop the task.
type LoopFunc func(ctx context.Context) bool

// RunFunc is a task that runs until ctx is done or it fails.
type RunFunc func(ctx context.Context) error

// ExitFunc is called with the result of a RunFunc when it returns.
type ExitFunc func(err error)

// Manager starts named goroutines under one cancellable context and waits
// for them to finish.
//
//	mgr := task.NewManager(ctx, logger)
//	_ = mgr.Run("queue", queue.Run, nil)
//	_ = mgr.Run("socket", socket.Run, nil)
//	...
//	mgr.Stop()
//	mgr.Wait()
type Manager struct {
	pctx    context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  logger.Logger
	count   atomic.Int32
	tickers sync.Map     // map[string]*time.Ticker
	mu      sync.RWMutex // protect ctx and cancel
	taskMu  sync.RWMutex // protect task creation during Wait()
}

// NewManager creates a Manager whose tasks are cancelled with ctx.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	if l == nil {
		l = logger.GetLogger()
	}
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

func (mgr *Manager) getContext() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Loop starts a goroutine calling fn until it returns false or the manager stops.
func (mgr *Manager) Loop(name string, fn LoopFunc) error {
	mgr.logger.Debug("start loop task", "name", name)

	starter, err := mgr.newStarter(name)
	if err != nil {
		return err
	}

	starter.start(func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if !mgr.callWithRecoverBool(name, func() bool { return fn(ctx) }) {
					return
				}
			}
		}
	})

	return starter.waitForStart()
}

// Run starts a goroutine executing fn once. onExit, when set, receives the
// error fn returned, or a panic converted to an error.
func (mgr *Manager) Run(name string, fn RunFunc, onExit ExitFunc) error {
	mgr.logger.Debug("start run task", "name", name)

	starter, err := mgr.newStarter(name)
	if err != nil {
		return err
	}

	starter.start(func(ctx context.Context) {
		var runErr error
		defer func() {
			if r := recover(); r != nil {
				mgr.logger.Error("panic in task", "name", name, "panic", r)
				runErr = fmt.Errorf("task %s panicked: %v", name, r)
			}
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				mgr.logger.Error("task exited with error", "name", name, "error", runErr)
			}
			if onExit != nil {
				onExit(runErr)
			}
		}()

		runErr = fn(ctx)
	})

	return starter.waitForStart()
}

// Interval starts a goroutine calling fn every interval, first immediately
// when runNow is set. It stops when fn returns false or the manager stops.
func (mgr *Manager) Interval(name string, fn LoopFunc, interval time.Duration, runNow bool) error {
	mgr.logger.Debug("start interval task", "name", name, "interval", interval, "runNow", runNow)

	if interval <= 0 {
		return fmt.Errorf("task: invalid interval %v", interval)
	}

	ticker := time.NewTicker(interval)
	if _, loaded := mgr.tickers.LoadOrStore(name, ticker); loaded {
		ticker.Stop()
		return fmt.Errorf("task: interval task %s already exists", name)
	}

	cleanup := func() {
		ticker.Stop()
		mgr.tickers.Delete(name)
	}

	starter, err := mgr.newStarter(name)
	if err != nil {
		cleanup()
		return err
	}

	starter.start(func(ctx context.Context) {
		defer cleanup()

		if runNow && !mgr.callWithRecoverBool(name, func() bool { return fn(ctx) }) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !mgr.callWithRecoverBool(name, func() bool { return fn(ctx) }) {
					return
				}
			}
		}
	})

	return starter.waitForStart()
}

// callWithRecoverBool calls fn, treating a panic as a request to stop.
func (mgr *Manager) callWithRecoverBool(name string, fn func() bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			ok = false
		}
	}()

	return fn()
}

// Stop cancels every running task.
func (mgr *Manager) Stop() {
	mgr.tickers.Range(func(_, value any) bool {
		if ticker, ok := value.(*time.Ticker); ok {
			ticker.Stop()
		}

		return true
	})

	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait blocks until every task has returned. The manager can be reused afterwards.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// Count returns the number of running tasks.
func (mgr *Manager) Count() int {
	return int(mgr.count.Load())
}

type starter struct {
	mgr     *Manager
	name    string
	ctx     context.Context
	started chan struct{}
}

func (mgr *Manager) newStarter(name string) (*starter, error) {
	ctx := mgr.getContext()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: cannot start %s", ErrStopped, name)
	}

	return &starter{mgr: mgr, name: name, ctx: ctx, started: make(chan struct{})}, nil
}

func (s *starter) start(body func(ctx context.Context)) {
	s.mgr.taskMu.RLock()
	defer s.mgr.taskMu.RUnlock()

	s.mgr.wg.Add(1)
	s.mgr.count.Add(1)

	go func() {
		defer s.mgr.wg.Done()
		defer func() {
			s.mgr.count.Add(-1)
			s.mgr.logger.Debug("task terminated", "name", s.name, "task_count", s.mgr.Count())
		}()

		close(s.started)
		body(s.ctx)
	}()
}

func (s *starter) waitForStart() error {
	timer := time.NewTimer(startTimeout)
	defer timer.Stop()

	select {
	case <-s.started:
		return nil
	case <-timer.C:
		return fmt.Errorf("task: timeout waiting for %s to start", s.name)
	}
}
