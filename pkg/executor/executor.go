// Package executor provides the single serial execution context that all
// capability code runs on.
//
// Host state touched by tools, prompts and resources is not safe for
// concurrent use, so every transport hands its capability calls to one
// Executor and waits for the result instead of calling them directly.
package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"

	mcperrors "github.com/ajitpratap0/mcp-host-go/pkg/errors"
	"github.com/ajitpratap0/mcp-host-go/pkg/logging"
)

// ErrNotRunning is returned by Submit when the executor is stopped.
var ErrNotRunning = errors.New("executor is not running")

type ownerKey struct{}

// running marks the context of the item the worker is executing. Only
// calls carrying an active token for this executor run inline.
type running struct {
	e      *Executor
	active atomic.Bool
}

type item struct {
	ctx      context.Context
	fn       func(ctx context.Context) error
	done     chan error
	enqueued time.Time
}

// Stats is a point-in-time view of the executor counters.
type Stats struct {
	Executed  uint64
	Panics    uint64
	Cancelled uint64
	Waiting   int64
}

// Executor runs submitted functions one at a time on a dedicated goroutine.
// It can be started again after Stop.
type Executor struct {
	work   chan *item
	logger logging.Logger

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}

	executed  atomic.Uint64
	panics    atomic.Uint64
	cancelled atomic.Uint64
	waiting   atomic.Int64

	observe func(wait, run time.Duration)
}

// Option configures an Executor
type Option func(*Executor)

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithObserver registers a callback receiving queue wait and run time of
// every executed item.
func WithObserver(fn func(wait, run time.Duration)) Option {
	return func(e *Executor) {
		e.observe = fn
	}
}

// New creates a stopped executor
func New(opts ...Option) *Executor {
	e := &Executor{
		work:   make(chan *item),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithFields(logging.String("component", "executor"))
	return e
}

// Start launches the worker goroutine. Starting a running executor is a
// no-op.
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop != nil {
		return
	}
	e.stop = make(chan struct{})
	e.stopped = make(chan struct{})
	go e.run(e.stop, e.stopped)
	e.logger.Debug("Executor started")
}

// Stop asks the worker to exit after the item it is running, if any, and
// waits until it has or ctx is done. Items still waiting to be picked up
// fail with ErrNotRunning.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	stop, stopped := e.stop, e.stopped
	e.stop, e.stopped = nil, nil
	e.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)

	select {
	case <-stopped:
		e.logger.Debug("Executor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the worker goroutine is active.
func (e *Executor) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stop != nil
}

// Submit runs fn on the worker goroutine and returns its error. A panic in
// fn is recovered and returned as an internal error.
//
// If ctx is done before the worker picks fn up, fn is skipped and ctx's
// error returned. Once fn has started Submit waits for it to finish; fn
// sees ctx and is expected to honour it. Calls made from inside a running
// item execute inline so that nested submission cannot deadlock. The
// inline path ends when the item returns; a context kept past that point,
// or handed to another goroutine through Detach, queues like any other.
func (e *Executor) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if r, _ := ctx.Value(ownerKey{}).(*running); r != nil && r.e == e && r.active.Load() {
		return e.execute(ctx, fn)
	}

	e.mu.Lock()
	stop := e.stop
	e.mu.Unlock()
	if stop == nil {
		return ErrNotRunning
	}

	it := &item{ctx: ctx, fn: fn, done: make(chan error, 1), enqueued: time.Now()}
	e.waiting.Add(1)
	select {
	case e.work <- it:
	case <-ctx.Done():
		e.waiting.Add(-1)
		e.cancelled.Add(1)
		return ctx.Err()
	case <-stop:
		e.waiting.Add(-1)
		return ErrNotRunning
	}
	return <-it.done
}

// Stats returns the executor counters
func (e *Executor) Stats() Stats {
	return Stats{
		Executed:  e.executed.Load(),
		Panics:    e.panics.Load(),
		Cancelled: e.cancelled.Load(),
		Waiting:   e.waiting.Load(),
	}
}

func (e *Executor) run(stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	for {
		select {
		case it := <-e.work:
			e.waiting.Add(-1)
			if err := it.ctx.Err(); err != nil {
				e.cancelled.Add(1)
				it.done <- err
				continue
			}
			wait := time.Since(it.enqueued)
			start := time.Now()
			token := &running{e: e}
			token.active.Store(true)
			err := e.execute(context.WithValue(it.ctx, ownerKey{}, token), it.fn)
			token.active.Store(false)
			if e.observe != nil {
				e.observe(wait, time.Since(start))
			}
			it.done <- err
		case <-stop:
			return
		}
	}
}

// Detach returns a copy of ctx without the executor's inline marker. Pass
// it to any goroutine started from a running item: work that goroutine
// submits then waits its turn instead of running beside the worker.
func Detach(ctx context.Context) context.Context {
	if ctx.Value(ownerKey{}) == nil {
		return ctx
	}
	return context.WithValue(ctx, ownerKey{}, (*running)(nil))
}

func (e *Executor) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var (
		err error
		pc  panics.Catcher
	)
	pc.Try(func() { err = fn(ctx) })
	e.executed.Add(1)

	if r := pc.Recovered(); r != nil {
		e.panics.Add(1)
		e.logger.WithContext(ctx).Error("Recovered panic in capability call",
			logging.Any("panic", r.Value),
			logging.String("stack", string(r.Stack)))
		return mcperrors.Panic(r.Value)
	}
	return err
}
