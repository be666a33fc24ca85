// Package worker runs tasks one at a time per key while different keys run
// in parallel. Each active key owns a goroutine that exits after sitting idle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrQueueFull = errors.New("session queue full")
	ErrStopped   = errors.New("worker manager stopped")
)

const (
	defaultQueueSize   = 16
	defaultIdleTimeout = 5 * time.Minute
)

type Config struct {
	QueueSize   int
	IdleTimeout time.Duration
}

// Task is the unit of work executed inside a lane.
type Task func(ctx context.Context) error

type job struct {
	ctx  context.Context
	fn   Task
	done chan error
}

type lane struct {
	key   string
	tasks chan job
}

type Manager struct {
	cfg Config

	mu      sync.Mutex
	lanes   map[string]*lane
	stopped bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Manager{
		cfg:   cfg,
		lanes: make(map[string]*lane),
		quit:  make(chan struct{}),
	}
}

// Do queues fn on the lane for key and waits for it to finish. It never
// blocks on a full lane: ErrQueueFull is returned instead. If ctx ends first
// Do returns ctx.Err(); a task still queued at that point is skipped.
func (m *Manager) Do(ctx context.Context, key string, fn Task) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	l, ok := m.lanes[key]
	if !ok {
		l = &lane{key: key, tasks: make(chan job, m.cfg.QueueSize)}
		m.lanes[key] = l
		m.wg.Add(1)
		go m.run(l)
		debugLog("[manager] lane %q started", key)
	}
	select {
	case l.tasks <- j:
	default:
		m.mu.Unlock()
		debugLog("[manager] lane %q rejected task, queue full", key)
		return ErrQueueFull
	}
	m.mu.Unlock()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveLanes reports how many keys currently own a goroutine.
func (m *Manager) ActiveLanes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lanes)
}

// Stop rejects new work, fails queued tasks with ErrStopped and waits for
// running tasks to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.quit)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) run(l *lane) {
	defer m.wg.Done()

	idle := time.NewTimer(m.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-m.quit:
			m.drain(l)
			return
		default:
		}

		select {
		case j := <-l.tasks:
			j.done <- m.execute(l.key, j)
			idle.Reset(m.cfg.IdleTimeout)
		case <-idle.C:
			// enqueue happens under m.mu, so an empty queue here stays empty
			m.mu.Lock()
			if len(l.tasks) == 0 {
				delete(m.lanes, l.key)
				m.mu.Unlock()
				debugLog("[manager] lane %q idle, exiting", l.key)
				return
			}
			m.mu.Unlock()
			idle.Reset(m.cfg.IdleTimeout)
		case <-m.quit:
			m.drain(l)
			return
		}
	}
}

func (m *Manager) drain(l *lane) {
	for {
		select {
		case j := <-l.tasks:
			j.done <- ErrStopped
		default:
			return
		}
	}
}

func (m *Manager) execute(key string, j job) (err error) {
	if err := j.ctx.Err(); err != nil {
		debugLog("[manager] lane %q skipped cancelled task", key)
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return j.fn(j.ctx)
}
