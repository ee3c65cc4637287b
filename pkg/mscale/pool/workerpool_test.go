package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jabolina/go-mscale/pkg/mscale/core"
	"github.com/jabolina/go-mscale/pkg/mscale/refs"
	"github.com/jabolina/go-mscale/pkg/mscale/types"
)

var testNodeSeq uint64

func nextTestNode() types.NodeID {
	return types.NodeID(atomic.AddUint64(&testNodeSeq, 1) + 3000)
}

// fakeRefsOwner is a minimal refs.Owner, letting fakeCaller mint Futures
// without a real rpc.Dispatcher.
type fakeRefsOwner struct {
	id    types.NodeID
	table *core.RemoteValueTable
	mu    sync.Mutex
	seq   uint64
}

func newFakeRefsOwner(id types.NodeID) *fakeRefsOwner {
	return &fakeRefsOwner{id: id, table: core.NewRemoteValueTable()}
}

func (f *fakeRefsOwner) MyID() types.NodeID            { return f.id }
func (f *fakeRefsOwner) Table() *core.RemoteValueTable { return f.table }
func (f *fakeRefsOwner) NewRRID(where types.NodeID) types.RRID {
	f.mu.Lock()
	f.seq++
	id := f.seq
	f.mu.Unlock()
	return types.RRID{RefID: types.RefID{Whence: f.id, ID: id}, Where: where}
}
func (f *fakeRefsOwner) CallOnOwner(types.RRID, string, []interface{}, interface{}) error { return nil }
func (f *fakeRefsOwner) EnsureChannel(types.RRID, int) error                              { return nil }
func (f *fakeRefsOwner) AddClient(types.RRID)                                             {}
func (f *fakeRefsOwner) DelClient(types.RRID)                                             {}

// fakeCaller is a minimal pool.Caller standing in for an rpc.Dispatcher: it
// records which worker id each call targeted and resolves results after a
// short delay, enough to exercise pool contention without a real cluster.
type fakeCaller struct {
	owner *fakeRefsOwner
	delay time.Duration

	mu      sync.Mutex
	callsBy map[types.NodeID]int
}

func newFakeCaller(id types.NodeID, delay time.Duration) *fakeCaller {
	return &fakeCaller{owner: newFakeRefsOwner(id), delay: delay, callsBy: make(map[types.NodeID]int)}
}

func (f *fakeCaller) MyID() types.NodeID { return f.owner.MyID() }

func (f *fakeCaller) record(pid types.NodeID) {
	f.mu.Lock()
	f.callsBy[pid]++
	f.mu.Unlock()
}

func (f *fakeCaller) RemoteCall(ctx context.Context, fn string, pid types.NodeID, args []interface{}) (*refs.Future, error) {
	f.record(pid)
	future := refs.NewFuture(f.owner, f.owner.MyID())
	go func() {
		time.Sleep(f.delay)
		_ = future.Put(context.Background(), pid)
	}()
	return future, nil
}

func (f *fakeCaller) RemoteCallFetch(ctx context.Context, fn string, pid types.NodeID, args []interface{}) (interface{}, error) {
	f.record(pid)
	time.Sleep(f.delay)
	return pid, nil
}

func (f *fakeCaller) RemoteCallWait(ctx context.Context, fn string, pid types.NodeID, args []interface{}) (*refs.Future, error) {
	f.record(pid)
	time.Sleep(f.delay)
	future := refs.NewFuture(f.owner, f.owner.MyID())
	_ = future.Put(context.Background(), pid)
	return future, nil
}

func (f *fakeCaller) RemoteDo(fn string, pid types.NodeID, args []interface{}) error {
	f.record(pid)
	return nil
}

func TestWorkerPool_TakePutRoundTrip(t *testing.T) {
	caller := newFakeCaller(nextTestNode(), 0)
	p := NewWorkerPool(caller, []types.NodeID{10, 11})
	if p.Length() != 2 {
		t.Fatalf("length = %d, want 2", p.Length())
	}
	w, err := p.Take(context.Background())
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if p.Length() != 1 {
		t.Fatalf("length after take = %d, want 1", p.Length())
	}
	p.Put(w)
	if p.Length() != 2 {
		t.Fatalf("length after put = %d, want 2", p.Length())
	}
}

func TestWorkerPool_TakeBlocksWhenEmpty(t *testing.T) {
	caller := newFakeCaller(nextTestNode(), 0)
	p := NewWorkerPool(caller, []types.NodeID{10})
	w, err := p.Take(context.Background())
	if err != nil {
		t.Fatalf("take: %v", err)
	}

	done := make(chan types.NodeID, 1)
	go func() {
		v, _ := p.Take(context.Background())
		done <- v
	}()

	select {
	case <-done:
		t.Fatalf("take should block on an empty non-default pool")
	case <-time.After(30 * time.Millisecond):
	}

	p.Put(w)
	select {
	case got := <-done:
		if got != w {
			t.Fatalf("got %d, want %d", got, w)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked take did not unblock after put")
	}
}

func TestWorkerPool_CloseFailsSubsequentTake(t *testing.T) {
	caller := newFakeCaller(nextTestNode(), 0)
	p := NewWorkerPool(caller, nil)
	p.Close()
	if _, err := p.Take(context.Background()); err != types.ErrPoolClosed {
		t.Fatalf("got %v, want ErrPoolClosed", err)
	}
}

func TestWorkerPool_NonDefaultEmptyPoolErrors(t *testing.T) {
	caller := newFakeCaller(nextTestNode(), 0)
	p := NewWorkerPool(caller, nil)
	if _, err := p.Take(context.Background()); err != types.ErrPoolEmpty {
		t.Fatalf("got %v, want ErrPoolEmpty", err)
	}
}

func TestWorkerPool_DefaultPoolSubstitutesSelfWhenEmpty(t *testing.T) {
	self := nextTestNode()
	caller := newFakeCaller(self, 0)
	p := NewDefaultPool(caller, nil)
	w, err := p.Take(context.Background())
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if w != self {
		t.Fatalf("got %d, want self id %d", w, self)
	}
	p.Put(w)
	if p.Length() != 0 {
		t.Fatalf("a substituted self id should not be added back to the pool, length = %d", p.Length())
	}
}

// TestWorkerPool_FairDistributionAcrossConcurrentCalls exercises the
// worker-pool-fairness scenario: four submissions against a 2-worker pool
// each complete, and each worker executes exactly two of them.
func TestWorkerPool_FairDistributionAcrossConcurrentCalls(t *testing.T) {
	w1, w2 := nextTestNode(), nextTestNode()
	caller := newFakeCaller(nextTestNode(), 30*time.Millisecond)
	p := NewWorkerPool(caller, []types.NodeID{w1, w2})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			future, err := p.RemoteCallPool(context.Background(), "sleep_then_id", nil)
			if err != nil {
				t.Errorf("remote_call_pool: %v", err)
				return
			}
			if _, err := future.Fetch(context.Background()); err != nil {
				t.Errorf("fetch: %v", err)
			}
		}()
	}
	wg.Wait()

	caller.mu.Lock()
	defer caller.mu.Unlock()
	if caller.callsBy[w1] != 2 || caller.callsBy[w2] != 2 {
		t.Fatalf("expected each worker to run exactly 2 calls, got %v", caller.callsBy)
	}
	if p.Length() != 2 {
		t.Fatalf("pool length should return to 2 once all calls complete, got %d", p.Length())
	}
}

func TestWorkerPool_RemoteCallFetchPoolReleasesWorkerSynchronously(t *testing.T) {
	w1 := nextTestNode()
	caller := newFakeCaller(nextTestNode(), 0)
	p := NewWorkerPool(caller, []types.NodeID{w1})

	v, err := p.RemoteCallFetchPool(context.Background(), "id", nil)
	if err != nil {
		t.Fatalf("remote_call_fetch_pool: %v", err)
	}
	if v != w1 {
		t.Fatalf("got %v, want %d", v, w1)
	}
	if p.Length() != 1 {
		t.Fatalf("worker should be returned immediately after a synchronous fetch, length = %d", p.Length())
	}
}

func TestWorkerPool_SubmissionFailureReleasesWorkerImmediately(t *testing.T) {
	w1 := nextTestNode()
	caller := &failingCaller{fakeCaller: newFakeCaller(nextTestNode(), 0)}
	p := NewWorkerPool(caller, []types.NodeID{w1})

	_, err := p.RemoteCallPool(context.Background(), "boom", nil)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if p.Length() != 1 {
		t.Fatalf("worker should be returned to the pool after a synchronous submission failure, length = %d", p.Length())
	}
}

type failingCaller struct {
	*fakeCaller
}

func (f *failingCaller) RemoteCall(ctx context.Context, fn string, pid types.NodeID, args []interface{}) (*refs.Future, error) {
	return nil, types.ErrFuncNotRegistered
}
