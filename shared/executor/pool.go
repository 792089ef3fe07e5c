// Package executor runs callbacks on a bounded worker pool.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/meidoworks/nekoq-coord/shared/logging"
)

var _executorLogger = logging.NewLogger("Executor")

var (
	ErrRejected = errors.New("executor queue is full")
	ErrShutdown = errors.New("executor is shut down")
)

type Config struct {
	Name            string
	CorePoolSize    int
	MaximumPoolSize int
	// KeepAlive bounds how long workers above CorePoolSize wait idle before exiting.
	KeepAlive     time.Duration
	WorkQueueSize int
}

// Pool keeps CorePoolSize workers alive, queues up to WorkQueueSize tasks and grows up to
// MaximumPoolSize workers when the queue is full. Tasks submitted beyond that are rejected.
type Pool struct {
	cfg   Config
	queue chan func()

	lock     sync.Mutex
	workers  int
	shutdown bool
	stopCh   chan struct{}
	wg       sync.WaitGroup

	completed *atomic.Int64
	rejected  *atomic.Int64
}

func NewPool(cfg Config) (*Pool, error) {
	if cfg.CorePoolSize <= 0 {
		return nil, fmt.Errorf("executor %s: core pool size must be positive", cfg.Name)
	}
	if cfg.MaximumPoolSize < cfg.CorePoolSize {
		return nil, fmt.Errorf("executor %s: maximum pool size is less than core pool size", cfg.Name)
	}
	if cfg.WorkQueueSize <= 0 {
		return nil, fmt.Errorf("executor %s: work queue size must be positive", cfg.Name)
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = time.Minute
	}
	return &Pool{
		cfg:       cfg,
		queue:     make(chan func(), cfg.WorkQueueSize),
		stopCh:    make(chan struct{}),
		completed: atomic.NewInt64(0),
		rejected:  atomic.NewInt64(0),
	}, nil
}

func (p *Pool) Name() string {
	return p.cfg.Name
}

// Submit schedules task. It never runs task on the calling goroutine.
func (p *Pool) Submit(task func()) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.shutdown {
		return ErrShutdown
	}
	if p.workers < p.cfg.CorePoolSize {
		p.startWorkerLocked(task, true)
		return nil
	}
	select {
	case p.queue <- task:
		return nil
	default:
	}
	if p.workers < p.cfg.MaximumPoolSize {
		p.startWorkerLocked(task, false)
		return nil
	}
	p.rejected.Inc()
	return ErrRejected
}

func (p *Pool) startWorkerLocked(first func(), core bool) {
	p.workers++
	p.wg.Add(1)
	go p.work(first, core)
}

func (p *Pool) work(task func(), core bool) {
	defer func() {
		p.lock.Lock()
		p.workers--
		p.lock.Unlock()
		p.wg.Done()
	}()

	var idle *time.Timer
	if !core {
		idle = time.NewTimer(p.cfg.KeepAlive)
		defer idle.Stop()
	}
	for {
		if task != nil {
			p.run(task)
			task = nil
		}
		if core {
			select {
			case t, ok := <-p.queue:
				if !ok {
					return
				}
				task = t
			case <-p.stopCh:
				return
			}
			continue
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(p.cfg.KeepAlive)
		select {
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			task = t
		case <-idle.C:
			return
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if err := recover(); err != nil {
			_executorLogger.Errorf("executor %s recovered task panic: %v", p.cfg.Name, err)
		}
		p.completed.Inc()
	}()
	task()
}

// Shutdown stops accepting tasks. Queued tasks are still executed.
func (p *Pool) Shutdown() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.shutdown {
		return
	}
	p.shutdown = true
	close(p.queue)
}

// ShutdownNow stops accepting tasks and lets workers exit once their current task returns.
// Tasks still queued at that point may never run.
func (p *Pool) ShutdownNow() {
	p.Shutdown()
	p.lock.Lock()
	defer p.lock.Unlock()
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
}

// AwaitTermination waits until every worker exited after a shutdown.
func (p *Pool) AwaitTermination(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Workers() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.workers
}

func (p *Pool) Completed() int64 {
	return p.completed.Load()
}

func (p *Pool) Rejected() int64 {
	return p.rejected.Load()
}
