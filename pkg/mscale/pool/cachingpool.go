package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/jabolina/go-mscale/pkg/mscale/refs"
	"github.com/jabolina/go-mscale/pkg/mscale/rpc"
	"github.com/jabolina/go-mscale/pkg/mscale/types"
)

// opExecFromCache is registered once per CachingPool and invoked on the
// worker in place of the real function name: it fetches the cached
// function name out of the RemoteChannel it is given and runs that
// instead of decoding a freshly-sent one (spec §4.H).
const opExecFromCache = "mscale.exec_from_cache"

type cacheKey struct {
	worker types.NodeID
	fn     string
}

// CachingPool adds a (worker, function) -> RemoteChannel cache on top of
// WorkerPool: the first dispatch to a given worker for a given function
// name puts the name into a fresh one-slot channel on that worker;
// subsequent dispatches reference the cached channel instead of resending
// the name (spec §4.H).
type CachingPool struct {
	*WorkerPool
	dispatcher *rpc.Dispatcher

	mu    sync.Mutex
	cache map[cacheKey]*refs.RemoteChannel
}

// NewCachingPool constructs a CachingPool over workers, registering its
// exec_from_cache handler on dispatcher.
func NewCachingPool(dispatcher *rpc.Dispatcher, workers []types.NodeID) *CachingPool {
	cp := &CachingPool{
		WorkerPool: NewWorkerPool(dispatcher, workers),
		dispatcher: dispatcher,
		cache:      make(map[cacheKey]*refs.RemoteChannel),
	}
	dispatcher.Registry().Register(opExecFromCache, cp.execFromCache)
	return cp
}

func (cp *CachingPool) execFromCache(args []interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("mscale: %s: expected 2 args, got %d", opExecFromCache, len(args))
	}
	id, err := rpc.DecodeRefID(args[0])
	if err != nil {
		return nil, err
	}
	cell, ok := cp.dispatcher.Table().Lookup(id)
	if !ok {
		return nil, types.ErrCellDestroyed
	}
	raw, err := cell.Channel.Fetch(localCtx{})
	if err != nil {
		return nil, err
	}
	fn, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("mscale: %s: cached value is not a function name", opExecFromCache)
	}
	callArgs, _ := args[1].([]interface{})
	return cp.dispatcher.Invoke(fn, callArgs)
}

type localCtx struct{}

func (localCtx) Done() <-chan struct{} { return nil }
func (localCtx) Err() error            { return nil }

// channelFor returns the cached RemoteChannel for (worker, f), creating
// and seeding it on first use.
func (cp *CachingPool) channelFor(ctx context.Context, worker types.NodeID, f string) (*refs.RemoteChannel, error) {
	key := cacheKey{worker: worker, fn: f}

	cp.mu.Lock()
	if ch, ok := cp.cache[key]; ok {
		cp.mu.Unlock()
		return ch, nil
	}
	cp.mu.Unlock()

	ch, err := refs.NewRemoteChannel(cp.dispatcher, worker, 1)
	if err != nil {
		return nil, err
	}
	if err := ch.Put(ctx, f); err != nil {
		return nil, err
	}

	cp.mu.Lock()
	if existing, ok := cp.cache[key]; ok {
		cp.mu.Unlock()
		return existing, nil
	}
	cp.cache[key] = ch
	cp.mu.Unlock()
	return ch, nil
}

// RemoteCallPool dispatches f on a worker taken from the pool through the
// cached-channel indirection, releasing the worker once the returned
// Future completes (mirrors WorkerPool.RemoteCallPool).
func (cp *CachingPool) RemoteCallPool(ctx context.Context, f string, args []interface{}) (*refs.Future, error) {
	worker, err := cp.Take(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := cp.channelFor(ctx, worker, f)
	if err != nil {
		cp.Put(worker)
		return nil, err
	}
	future, err := cp.dispatcher.RemoteCall(ctx, opExecFromCache, worker, []interface{}{ch.RRID.RefID, args})
	if err != nil {
		cp.Put(worker)
		return nil, err
	}
	go func() {
		_, _ = future.Fetch(context.Background())
		cp.Put(worker)
	}()
	return future, nil
}

// RemoteCallFetchPool is the cached-dispatch analog of
// WorkerPool.RemoteCallFetchPool.
func (cp *CachingPool) RemoteCallFetchPool(ctx context.Context, f string, args []interface{}) (interface{}, error) {
	worker, err := cp.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer cp.Put(worker)
	ch, err := cp.channelFor(ctx, worker, f)
	if err != nil {
		return nil, err
	}
	return cp.dispatcher.RemoteCallFetch(ctx, opExecFromCache, worker, []interface{}{ch.RRID.RefID, args})
}

// Clear closes every cached channel and drops it from the pool's cache.
// It does not delete the channels' cells on the workers: a closed channel
// still holds its buffered function name.
func (cp *CachingPool) Clear() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for key, ch := range cp.cache {
		_ = ch.Close()
		delete(cp.cache, key)
	}
}
