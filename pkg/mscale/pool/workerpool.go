// Package pool implements the worker-pool dispatcher of spec §4.H: a
// bounded pool of worker ids with take/put discipline, and a caching
// variant that pins a closure to a worker's channel across calls.
package pool

import (
	"context"
	"sync"

	"github.com/jabolina/go-mscale/pkg/mscale/refs"
	"github.com/jabolina/go-mscale/pkg/mscale/types"
)

// Caller is the subset of the RPC layer a WorkerPool needs: enough to
// dispatch the four primitives against a chosen worker. rpc.Dispatcher
// implements it; the narrow interface documents exactly what a WorkerPool
// uses and makes it trivially mockable in tests. CachingPool, in this same
// package, uses *rpc.Dispatcher directly.
type Caller interface {
	MyID() types.NodeID
	RemoteCall(ctx context.Context, f string, pid types.NodeID, args []interface{}) (*refs.Future, error)
	RemoteCallFetch(ctx context.Context, f string, pid types.NodeID, args []interface{}) (interface{}, error)
	RemoteCallWait(ctx context.Context, f string, pid types.NodeID, args []interface{}) (*refs.Future, error)
	RemoteDo(f string, pid types.NodeID, args []interface{}) error
}

// WorkerPool is a bounded, reusable set of worker ids (spec §4.H): `take!`
// blocks until a worker is free, `put!` returns one, `length`/`isready`
// and `workers()` report current state. The default pool substitutes the
// local node itself as a "worker" when it has no members at all, so
// remotecall against an empty default pool degrades to local execution;
// when it has members but all are checked out, Take blocks as for any
// other pool.
type WorkerPool struct {
	caller Caller

	mu        sync.Mutex
	cond      *sync.Cond
	available []types.NodeID
	all       map[types.NodeID]struct{}
	closed    bool
	isDefault bool
}

// NewWorkerPool constructs a pool seeded with workers.
func NewWorkerPool(caller Caller, workers []types.NodeID) *WorkerPool {
	p := &WorkerPool{
		caller:    caller,
		available: append([]types.NodeID(nil), workers...),
		all:       make(map[types.NodeID]struct{}, len(workers)),
	}
	for _, w := range workers {
		p.all[w] = struct{}{}
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// NewDefaultPool constructs the pool implicitly used by remotecall_pool
// when no explicit pool is given: when it has no members, Take returns
// the caller's own id instead of failing with ErrPoolEmpty (spec §4.H).
func NewDefaultPool(caller Caller, workers []types.NodeID) *WorkerPool {
	p := NewWorkerPool(caller, workers)
	p.isDefault = true
	return p
}

// Take blocks until a worker id is available and removes it from the
// pool. A pool with no members at all (as opposed to one that is merely
// fully checked out) fails immediately with ErrPoolEmpty, unless it is
// the default pool, which substitutes the local node's own id instead.
func (p *WorkerPool) Take(ctx context.Context) (types.NodeID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				p.cond.Broadcast()
			case <-stop:
			}
		}()
	}

	for {
		if p.closed {
			return 0, types.ErrPoolClosed
		}
		if len(p.available) > 0 {
			id := p.available[0]
			p.available = p.available[1:]
			return id, nil
		}
		if len(p.all) == 0 {
			if p.isDefault {
				return p.caller.MyID(), nil
			}
			return 0, types.ErrPoolEmpty
		}
		if ctx != nil {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
			}
		}
		p.cond.Wait()
	}
}

// Put returns id to the pool, waking one Take waiter.
func (p *WorkerPool) Put(id types.NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if _, ok := p.all[id]; !ok {
		// A default-pool substitution of the caller's own id: nothing to
		// return, since it was never removed from available in the first
		// place.
		return
	}
	p.available = append(p.available, id)
	p.cond.Signal()
}

// Length reports the number of workers currently available.
func (p *WorkerPool) Length() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// IsReady reports whether Take would return immediately without falling
// back to default-pool substitution.
func (p *WorkerPool) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available) > 0
}

// Workers returns every id this pool manages, available or not.
func (p *WorkerPool) Workers() []types.NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.NodeID, 0, len(p.all))
	for id := range p.all {
		out = append(out, id)
	}
	return out
}

// Close marks the pool closed; pending and future Take calls fail.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
}

// RemoteCallPool implements remotecall_pool(remotecall, f, pool, args)
// (spec §4.H): take a worker, dispatch, and release it only after the
// returned Future completes, in a background task, so the worker is not
// reused until the computation terminates. A synchronous submission
// failure releases the worker immediately and is returned to the caller.
func (p *WorkerPool) RemoteCallPool(ctx context.Context, f string, args []interface{}) (*refs.Future, error) {
	worker, err := p.Take(ctx)
	if err != nil {
		return nil, err
	}
	future, err := p.caller.RemoteCall(ctx, f, worker, args)
	if err != nil {
		p.Put(worker)
		return nil, err
	}
	go func() {
		_, _ = future.Fetch(context.Background())
		p.Put(worker)
	}()
	return future, nil
}

// RemoteCallFetchPool implements remotecall_pool(remotecall_fetch, ...):
// the worker is held for the duration of the synchronous call and
// released unconditionally afterward.
func (p *WorkerPool) RemoteCallFetchPool(ctx context.Context, f string, args []interface{}) (interface{}, error) {
	worker, err := p.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Put(worker)
	return p.caller.RemoteCallFetch(ctx, f, worker, args)
}

// RemoteCallWaitPool implements remotecall_pool(remotecall_wait, ...):
// the worker is released once the completion wait inside
// RemoteCallWait itself returns, mirroring RemoteCallFetchPool.
func (p *WorkerPool) RemoteCallWaitPool(ctx context.Context, f string, args []interface{}) (*refs.Future, error) {
	worker, err := p.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Put(worker)
	return p.caller.RemoteCallWait(ctx, f, worker, args)
}
