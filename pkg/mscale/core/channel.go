package core

import (
	"sync"

	"github.com/jabolina/go-mscale/pkg/mscale/types"
)

// BackingChannel is the capability set a remote-value cell's storage must
// provide (spec §9, "Dynamic dispatch over channel implementations"): put,
// take, fetch, isready, close, isopen, isempty. Specified as a small
// interface rather than a concrete type so a cell's backing store can be a
// bounded queue, an unbounded queue, or (for Futures) a single-slot cell,
// all addressed uniformly by the remote-value table.
type BackingChannel interface {
	// Put enqueues a value, blocking if the channel is bounded and full.
	// It returns types.ErrChannelClosed if the channel has been closed.
	Put(ctx Ctx, v interface{}) error

	// Take removes and returns the oldest value, blocking until one is
	// available or the channel is closed and drained.
	Take(ctx Ctx) (interface{}, error)

	// Fetch returns the oldest value without removing it, blocking the
	// same way Take does.
	Fetch(ctx Ctx) (interface{}, error)

	// IsReady reports whether a value is immediately available.
	IsReady() bool

	// IsEmpty reports whether the channel currently holds no values.
	IsEmpty() bool

	// Close marks the channel closed; buffered values remain readable
	// until drained, after which Take/Fetch return types.ErrChannelClosed.
	Close()

	// IsOpen reports whether Close has not yet been called.
	IsOpen() bool
}

// Ctx is the minimal cancellation contract blocking channel operations
// honor — satisfied by context.Context, kept narrow here so core does not
// need to import context just to thread a Done() channel through.
type Ctx interface {
	Done() <-chan struct{}
	Err() error
}

// Queue is the default BackingChannel: an in-memory queue that is bounded
// when capacity > 0 and unbounded otherwise (spec §4.D's default
// "unbounded channel<any>" factory, and §4.B's bounded RemoteChannel
// element storage).
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []interface{}
	capacity int
	closed   bool
}

// NewQueue constructs a Queue. capacity <= 0 means unbounded.
func NewQueue(capacity int) *Queue {
	q := &Queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) bounded() bool { return q.capacity > 0 }

func (q *Queue) Put(ctx Ctx, v interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.bounded() && len(q.items) >= q.capacity && !q.closed {
		if !q.waitLocked(ctx, q.notFull) {
			return ctx.Err()
		}
	}
	if q.closed {
		return types.ErrChannelClosed
	}
	q.items = append(q.items, v)
	q.notEmpty.Signal()
	return nil
}

func (q *Queue) Take(ctx Ctx) (interface{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		if !q.waitLocked(ctx, q.notEmpty) {
			return nil, ctx.Err()
		}
	}
	if len(q.items) == 0 {
		return nil, types.ErrChannelClosed
	}
	v := q.items[0]
	q.items = q.items[1:]
	if q.bounded() {
		q.notFull.Signal()
	}
	return v, nil
}

func (q *Queue) Fetch(ctx Ctx) (interface{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		if !q.waitLocked(ctx, q.notEmpty) {
			return nil, ctx.Err()
		}
	}
	if len(q.items) == 0 {
		return nil, types.ErrChannelClosed
	}
	return q.items[0], nil
}

func (q *Queue) IsReady() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0
}

func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

func (q *Queue) IsOpen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}

// waitLocked waits on cond, which must guard q.mu, until either it is
// signaled or ctx is done. It returns false if ctx is done first.
func (q *Queue) waitLocked(ctx Ctx, cond *sync.Cond) bool {
	return waitWithCtx(ctx, cond)
}

// waitWithCtx waits on cond (whose lock the caller must already hold, per
// sync.Cond.Wait's contract) until either it is signaled or ctx is done.
// It returns false if ctx is done first. A background goroutine forwards
// ctx.Done() into a Broadcast so a single cancellation wakes every blocked
// waiter sharing cond.
func waitWithCtx(ctx Ctx, cond *sync.Cond) bool {
	done := ctx.Done()
	if done == nil {
		cond.Wait()
		return true
	}
	select {
	case <-done:
		return false
	default:
	}
	woke := make(chan struct{})
	go func() {
		select {
		case <-done:
			cond.L.Lock()
			cond.Broadcast()
			cond.L.Unlock()
		case <-woke:
		}
	}()
	cond.Wait()
	close(woke)
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// SingleAssignCell is a BackingChannel accepting exactly one Put; a second
// Put returns types.ErrFutureAlreadySet atomically with the check, so it
// satisfies the Future write-once invariant even under concurrent
// owner-side puts (spec §3, invariant 3). Take and Fetch are equivalent:
// a Future's value is never consumed destructively. Close is a no-op and
// IsOpen always reports true.
type SingleAssignCell struct {
	mu    sync.Mutex
	cond  *sync.Cond
	set   bool
	value interface{}
}

// NewSingleAssignCell constructs an unset cell.
func NewSingleAssignCell() *SingleAssignCell {
	c := &SingleAssignCell{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *SingleAssignCell) Put(ctx Ctx, v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set {
		return types.ErrFutureAlreadySet
	}
	c.set = true
	c.value = v
	c.cond.Broadcast()
	return nil
}

func (c *SingleAssignCell) Take(ctx Ctx) (interface{}, error) { return c.Fetch(ctx) }

func (c *SingleAssignCell) Fetch(ctx Ctx) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.set {
		if !waitWithCtx(ctx, c.cond) {
			return nil, ctx.Err()
		}
	}
	return c.value, nil
}

func (c *SingleAssignCell) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set
}

func (c *SingleAssignCell) IsEmpty() bool { return !c.IsReady() }
func (c *SingleAssignCell) Close()        {}
func (c *SingleAssignCell) IsOpen() bool  { return true }
