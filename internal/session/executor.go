package session

import (
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/childproc/internal/logging"
)

// Executor runs tasks off the caller's goroutine.
type Executor interface {
	// Post queues fn to run soon. It never blocks on fn.
	Post(fn func())
	// AfterFunc queues fn once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a pending AfterFunc.
type Timer interface {
	Stop() bool
}

// Loop is an Executor backed by a fixed set of worker goroutines sharing
// an unbounded FIFO queue. A panicking task is logged and does not take
// its worker down.
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool

	workers conc.WaitGroup
	log     *logging.Logger
}

// NewLoop starts a Loop with the given number of workers (at least one).
func NewLoop(workers int, log *logging.Logger) *Loop {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = logging.NopLogger()
	}

	l := &Loop{log: log}
	l.cond = sync.NewCond(&l.mu)
	for range workers {
		l.workers.Go(l.work)
	}
	return l
}

var (
	defaultLoopOnce sync.Once
	defaultLoop     *Loop
)

// DefaultLoop returns the process-wide Loop used by Reactor sessions that
// were not given an executor. It is never closed.
func DefaultLoop() *Loop {
	defaultLoopOnce.Do(func() {
		defaultLoop = NewLoop(2, nil)
	})
	return defaultLoop
}

// Post queues fn. Tasks posted after Close are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.log.Debug("task posted to a closed loop dropped")
		return
	}
	l.tasks = append(l.tasks, fn)
	l.cond.Signal()
}

// AfterFunc queues fn after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

func (l *Loop) work() {
	for {
		l.mu.Lock()
		for len(l.tasks) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		runTask(l.log, fn)
	}
}

// Close runs every queued task, stops the workers and waits for them. It
// must not be called from a task.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()

	l.workers.Wait()
}

func runTask(log *logging.Logger, fn func()) {
	var pc panics.Catcher
	pc.Try(fn)
	if r := pc.Recovered(); r != nil {
		log.Error("task panicked", "panic", r.String())
	}
}

// strand serializes tasks on an underlying Executor: tasks run one at a
// time in posting order, on whichever worker picks the strand up.
type strand struct {
	exec Executor
	log  *logging.Logger

	mu      sync.Mutex
	queue   []func()
	running bool
}

func newStrand(exec Executor, log *logging.Logger) *strand {
	if log == nil {
		log = logging.NopLogger()
	}
	return &strand{exec: exec, log: log}
}

func (s *strand) Post(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.exec.Post(s.drain)
}

func (s *strand) AfterFunc(d time.Duration, fn func()) Timer {
	return s.exec.AfterFunc(d, func() { s.Post(fn) })
}

func (s *strand) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		runTask(s.log, fn)
	}
}
