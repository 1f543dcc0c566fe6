package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Func is the body of a scheduled task. The context is cancelled when the task is
// cancelled or the scheduler stops.
type Func func(ctx context.Context)

type task struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Scheduler owns keyed periodic and one-shot tasks. Scheduling a key that already
// exists replaces the previous task.
type Scheduler struct {
	clock  clockwork.Clock
	logger *zap.Logger

	ctx    context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	tasks  map[string]*task
	wg     sync.WaitGroup
	closed bool
}

// New builds a scheduler driven by clock.
func New(clock clockwork.Clock, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:  clock,
		logger: logger,
		ctx:    ctx,
		stop:   cancel,
		tasks:  make(map[string]*task),
	}
}

// Every runs fn each interval until the key is cancelled. The first run happens one
// interval from now.
func (s *Scheduler) Every(key string, interval time.Duration, fn Func) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: interval must be positive")
	}
	t, err := s.register(key)
	if err != nil {
		return err
	}
	ticker := s.clock.NewTicker(interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-t.ctx.Done():
				return
			case <-ticker.Chan():
				if t.ctx.Err() != nil {
					return
				}
				s.invoke(key, t, fn)
			}
		}
	}()
	return nil
}

// At runs fn once when the clock reaches deadline. A deadline in the past fires
// immediately.
func (s *Scheduler) At(key string, deadline time.Time, fn Func) error {
	t, err := s.register(key)
	if err != nil {
		return err
	}
	delay := deadline.Sub(s.clock.Now())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(key, t)
		if delay > 0 {
			timer := s.clock.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-t.ctx.Done():
				return
			case <-timer.Chan():
			}
		}
		if t.ctx.Err() != nil {
			return
		}
		s.invoke(key, t, fn)
	}()
	return nil
}

// Cancel stops the task registered under key. It does not wait for a running
// invocation, so a task may cancel itself.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if ok {
		delete(s.tasks, key)
	}
	s.mu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// CancelPrefix cancels every task whose key starts with prefix and reports how many
// were cancelled.
func (s *Scheduler) CancelPrefix(prefix string) int {
	s.mu.Lock()
	var victims []*task
	for key, t := range s.tasks {
		if strings.HasPrefix(key, prefix) {
			victims = append(victims, t)
			delete(s.tasks, key)
		}
	}
	s.mu.Unlock()
	for _, t := range victims {
		t.cancel()
	}
	return len(victims)
}

// Has reports whether a task is registered under key.
func (s *Scheduler) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Len returns the number of registered tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels all tasks and waits for their goroutines to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	s.stop()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) register(key string) (*task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("scheduler: stopped")
	}
	if prev, ok := s.tasks[key]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{ctx: ctx, cancel: cancel}
	s.tasks[key] = t
	return t, nil
}

// release drops a finished one-shot task unless it was already replaced.
func (s *Scheduler) release(key string, t *task) {
	s.mu.Lock()
	if cur, ok := s.tasks[key]; ok && cur == t {
		delete(s.tasks, key)
	}
	s.mu.Unlock()
	t.cancel()
}

func (s *Scheduler) invoke(key string, t *task, fn Func) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", zap.String("task", key), zap.Any("panic", r))
		}
	}()
	fn(t.ctx)
}
