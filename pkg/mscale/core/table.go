package core

import (
	"sync"

	"github.com/jabolina/go-mscale/pkg/mscale/types"
)

// RemoteValue is the owner-side cell backing every remote reference (spec
// §3, §4.D). Where() names the owner; one RemoteValue lives in exactly one
// node's refs table, that node's ProcessGroup.
type RemoteValue struct {
	RefID types.RefID

	Channel BackingChannel

	mu         sync.Mutex
	clientset  map[types.NodeID]struct{}
	waitingfor types.NodeID
	hasWaiting bool

	// synctake is held by the owner-side take handler across a remote
	// take on this cell (see SyncTake).
	synctake sync.Mutex
}

func newRemoteValue(id types.RefID, ch BackingChannel, owner types.NodeID) *RemoteValue {
	rv := &RemoteValue{
		RefID:     id,
		Channel:   ch,
		clientset: map[types.NodeID]struct{}{owner: {}},
	}
	return rv
}

// ClientCount returns the number of nodes currently holding a handle to
// this cell, used by tests and by diagnostics.
func (rv *RemoteValue) ClientCount() int {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	return len(rv.clientset)
}

// addClient adds pid to the clientset.
func (rv *RemoteValue) addClient(pid types.NodeID) {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	rv.clientset[pid] = struct{}{}
}

// delClient removes pid from the clientset and reports whether the
// clientset is now empty (the cell should be destroyed).
func (rv *RemoteValue) delClient(pid types.NodeID) (empty bool) {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	delete(rv.clientset, pid)
	return len(rv.clientset) == 0
}

// SetWaitingFor records the node currently awaiting a response through
// this cell, used only for call-fetch/call-wait bookkeeping (§3).
func (rv *RemoteValue) SetWaitingFor(pid types.NodeID) {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	rv.waitingfor = pid
	rv.hasWaiting = true
}

// WaitingFor returns the node recorded by SetWaitingFor, if any.
func (rv *RemoteValue) WaitingFor() (types.NodeID, bool) {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	return rv.waitingfor, rv.hasWaiting
}

// SyncTake returns the cell's synctake mutex. The owner-side take handler
// holds it across the cell's Take, so remote takes on one cell run one at
// a time. It is released before the taken value is sent back, and no put
// path (local or remote) acquires it.
func (rv *RemoteValue) SyncTake() sync.Locker { return &rv.synctake }

// RemoteValueTable is the owner-side map<RRID, RemoteValue> exposed by a
// ProcessGroup (spec §4.D). The table guards its map with its own mutex;
// channel operations on a cell (which may suspend) run outside that lock.
type RemoteValueTable struct {
	mu   sync.Mutex
	refs map[types.RefID]*RemoteValue
}

// NewRemoteValueTable constructs an empty table.
func NewRemoteValueTable() *RemoteValueTable {
	return &RemoteValueTable{refs: make(map[types.RefID]*RemoteValue)}
}

// Factory builds the backing channel for a newly created cell. The
// default factory (spec §4.D) produces an unbounded Queue.
type Factory func() BackingChannel

// DefaultFactory is lookup_or_create's default when no factory is given.
func DefaultFactory() BackingChannel { return NewQueue(0) }

// LookupOrCreate returns the cell for id, creating it via factory (or
// DefaultFactory if nil) and inserting owner into its clientset if it did
// not already exist (spec §4.D). Cell creation is lazy, as specified.
func (t *RemoteValueTable) LookupOrCreate(id types.RefID, owner types.NodeID, factory Factory) *RemoteValue {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rv, ok := t.refs[id]; ok {
		return rv
	}
	if factory == nil {
		factory = DefaultFactory
	}
	rv := newRemoteValue(id, factory(), owner)
	t.refs[id] = rv
	return rv
}

// Lookup returns the cell for id without creating it.
func (t *RemoteValueTable) Lookup(id types.RefID) (*RemoteValue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rv, ok := t.refs[id]
	return rv, ok
}

// AddClient adds pid to id's clientset, creating the cell if necessary
// (a client add may race ahead of the first lookup across the wire).
func (t *RemoteValueTable) AddClient(id types.RefID, owner, pid types.NodeID) {
	rv := t.LookupOrCreate(id, owner, nil)
	rv.addClient(pid)
}

// DelClient removes pid from id's clientset and deletes the cell if the
// clientset becomes empty (invariant 2, spec §3).
func (t *RemoteValueTable) DelClient(id types.RefID, pid types.NodeID) {
	t.mu.Lock()
	rv, ok := t.refs[id]
	t.mu.Unlock()
	if !ok {
		return
	}
	if rv.delClient(pid) {
		t.mu.Lock()
		delete(t.refs, id)
		t.mu.Unlock()
	}
}

// Size reports the number of live cells, used by GC coalescing tests
// (spec §8 scenario 5).
func (t *RemoteValueTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.refs)
}

// Remove directly deletes id's cell without touching its clientset.
// Used by finalizers that cannot acquire the registry lock without
// blocking and so reschedule; avoids lock recursion during GC (§4.F).
func (t *RemoteValueTable) Remove(id types.RefID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.refs, id)
}
