package refs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jabolina/go-mscale/pkg/mscale/core"
	"github.com/jabolina/go-mscale/pkg/mscale/types"
)

// testNodeSeq hands out unique NodeIDs across the whole package's tests so
// distinct fakeOwners never mint colliding RefIDs in the process-wide
// canonicalization tables in global (shared real state, not per-test).
var testNodeSeq uint64

func nextTestNode() types.NodeID {
	return types.NodeID(atomic.AddUint64(&testNodeSeq, 1) + 1000)
}

// fakeOwner is a minimal refs.Owner for exercising Future/RemoteChannel
// without a real ProcessGroup or Dispatcher. When remote is set, CallOnOwner
// and EnsureChannel execute directly against remote's table, simulating a
// same-process stand-in for what a wire round trip would do.
type fakeOwner struct {
	id    types.NodeID
	table *core.RemoteValueTable

	mu   sync.Mutex
	seq  uint64
	adds []types.RRID
	dels []types.RRID

	remote *fakeOwner
}

func newFakeOwner(id types.NodeID) *fakeOwner {
	return &fakeOwner{id: id, table: core.NewRemoteValueTable()}
}

func (f *fakeOwner) MyID() types.NodeID           { return f.id }
func (f *fakeOwner) Table() *core.RemoteValueTable { return f.table }

func (f *fakeOwner) NewRRID(where types.NodeID) types.RRID {
	f.mu.Lock()
	f.seq++
	id := f.seq
	f.mu.Unlock()
	return types.RRID{RefID: types.RefID{Whence: f.id, ID: id}, Where: where}
}

func (f *fakeOwner) ownerTable() *core.RemoteValueTable {
	if f.remote != nil {
		return f.remote.table
	}
	return f.table
}

func (f *fakeOwner) AddClient(rrid types.RRID) {
	f.mu.Lock()
	f.adds = append(f.adds, rrid)
	f.mu.Unlock()
	f.ownerTable().AddClient(rrid.RefID, rrid.Where, f.id)
}

func (f *fakeOwner) DelClient(rrid types.RRID) {
	f.mu.Lock()
	f.dels = append(f.dels, rrid)
	f.mu.Unlock()
	f.ownerTable().DelClient(rrid.RefID, f.id)
}

func (f *fakeOwner) EnsureChannel(rrid types.RRID, capacity int) error {
	f.ownerTable().LookupOrCreate(rrid.RefID, rrid.Where, func() core.BackingChannel {
		return core.NewQueue(capacity)
	})
	return nil
}

// CallOnOwner mimics rpc.Dispatcher.CallOnOwner's built-in op handling
// (rpc/dispatch.go's registerBuiltins) but operates directly on the remote
// owner's table rather than going over the wire.
func (f *fakeOwner) CallOnOwner(rrid types.RRID, op string, args []interface{}, result interface{}) error {
	cell := f.ownerTable().LookupOrCreate(rrid.RefID, rrid.Where, func() core.BackingChannel {
		return core.NewSingleAssignCell()
	})
	ctx := backgroundCtx{}
	switch op {
	case types.OpPutFuture:
		if err := cell.Channel.Put(ctx, args[0]); err != nil {
			return err
		}
		return nil
	case types.OpFetchFuture:
		v, err := cell.Channel.Fetch(ctx)
		if err != nil {
			return err
		}
		return assignResult(result, v)
	case types.OpChanPut:
		return cell.Channel.Put(ctx, args[0])
	case types.OpChanTake:
		locker := cell.SyncTake()
		locker.Lock()
		defer locker.Unlock()
		v, err := cell.Channel.Take(ctx)
		if err != nil {
			return err
		}
		return assignResult(result, v)
	case types.OpChanFetch:
		v, err := cell.Channel.Fetch(ctx)
		if err != nil {
			return err
		}
		return assignResult(result, v)
	case types.OpChanIsReady:
		return assignResult(result, cell.Channel.IsReady())
	case types.OpChanIsEmpty:
		return assignResult(result, cell.Channel.IsEmpty())
	case types.OpChanIsOpen:
		return assignResult(result, cell.Channel.IsOpen())
	case types.OpChanClose:
		cell.Channel.Close()
		return nil
	default:
		return nil
	}
}

func assignResult(dst interface{}, v interface{}) error {
	if dst == nil || v == nil {
		return nil
	}
	switch p := dst.(type) {
	case *interface{}:
		*p = v
	case *bool:
		if b, ok := v.(bool); ok {
			*p = b
		}
	}
	return nil
}

type backgroundCtx struct{}

func (backgroundCtx) Done() <-chan struct{} { return nil }
func (backgroundCtx) Err() error            { return nil }

func TestFuture_LocalPutThenFetch(t *testing.T) {
	id := nextTestNode()
	owner := newFakeOwner(id)
	f := NewFuture(owner, id)

	if f.IsReady() {
		t.Fatalf("fresh future should not be ready")
	}
	if err := f.Put(context.Background(), 42); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !f.IsReady() {
		t.Fatalf("future should be ready after put")
	}
	v, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if v != 42 {
		t.Fatalf("got %v, want 42", v)
	}
}

func TestFuture_WriteOnceRejectsSecondPut(t *testing.T) {
	id := nextTestNode()
	owner := newFakeOwner(id)
	f := NewFuture(owner, id)
	if err := f.Put(context.Background(), 1); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if err := f.Put(context.Background(), 2); err == nil {
		t.Fatalf("second put should fail")
	}
}

func TestFuture_FetchIsIdempotent(t *testing.T) {
	id := nextTestNode()
	owner := newFakeOwner(id)
	f := NewFuture(owner, id)
	_ = f.Put(context.Background(), "hello")
	v1, _ := f.Fetch(context.Background())
	v2, _ := f.Fetch(context.Background())
	if v1 != v2 {
		t.Fatalf("repeated fetch returned different values: %v vs %v", v1, v2)
	}
}

func TestFuture_RemotePutFetchRoundTrip(t *testing.T) {
	localID, remoteID := nextTestNode(), nextTestNode()
	local := newFakeOwner(localID)
	remote := newFakeOwner(remoteID)
	local.remote = remote

	f := NewFuture(local, remoteID)
	if f.RRID.Where != remoteID {
		t.Fatalf("future should be owned by %d", remoteID)
	}
	if err := f.Put(context.Background(), "remote-value"); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if v != "remote-value" {
		t.Fatalf("got %v", v)
	}
}

func TestFuture_Canonicalization(t *testing.T) {
	id := nextTestNode()
	owner := newFakeOwner(id)
	rrid := owner.NewRRID(id)
	f1 := canonicalizeFuture(owner, rrid, nil, false)
	f2 := canonicalizeFuture(owner, rrid, nil, false)
	if f1 != f2 {
		t.Fatalf("canonicalizeFuture should return the same object for the same rrid")
	}
}

func TestFuture_ConcurrentFetchSeesSameValue(t *testing.T) {
	id := nextTestNode()
	owner := newFakeOwner(id)
	f := NewFuture(owner, id)

	var wg sync.WaitGroup
	results := make([]interface{}, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := f.Fetch(context.Background())
			if err != nil {
				t.Errorf("fetch %d: %v", idx, err)
				return
			}
			results[idx] = v
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	if err := f.Put(context.Background(), "done"); err != nil {
		t.Fatalf("put: %v", err)
	}
	wg.Wait()
	for i, v := range results {
		if v != "done" {
			t.Fatalf("fetch %d got %v", i, v)
		}
	}
}
