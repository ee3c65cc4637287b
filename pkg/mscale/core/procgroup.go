// Package core implements the process-identity, worker-link, wire-codec
// and remote-value-table components of the runtime (spec §4.A-D).
package core

import (
	"sync"

	"github.com/jabolina/go-mscale/pkg/mscale/types"
)

// ProcessGroup is the role-indexed registry described in spec §4.A: a
// node's view of the workers and owned remote values for one role
// (master, worker, or a nested sub-cluster's default). A single process
// may hold more than one ProcessGroup at once — e.g. a worker that is
// itself the master of a subordinate cluster.
type ProcessGroup struct {
	role types.Role
	self types.NodeID
	seq  types.SequenceGenerator

	mu      sync.Mutex
	workers map[types.NodeID]*WorkerLink

	Refs *RemoteValueTable
}

// NewProcessGroup constructs an empty group for role, identifying the
// local node as self within that group's numbering.
func NewProcessGroup(role types.Role, self types.NodeID) *ProcessGroup {
	return &ProcessGroup{
		role:    role,
		self:    self,
		workers: make(map[types.NodeID]*WorkerLink),
		Refs:    NewRemoteValueTable(),
	}
}

// MyID returns the node's id within this group.
func (g *ProcessGroup) MyID() types.NodeID { return g.self }

// Role reports which process-group view this is.
func (g *ProcessGroup) Role() types.Role { return g.role }

// NextSequence mints the next locally-unique sequence number for a new
// RRID whose Whence is this node.
func (g *ProcessGroup) NextSequence() uint64 { return g.seq.Next() }

// NewRRID mints a fresh reference identity whose owner is where.
func (g *ProcessGroup) NewRRID(where types.NodeID) types.RRID {
	return types.RRID{
		RefID: types.RefID{Whence: g.self, ID: g.seq.Next()},
		Where: where,
	}
}

// AddWorker registers a link under pid. It holds the registry lock only
// for the map update and does no network I/O; callers complete the
// link's handshake before calling it.
func (g *ProcessGroup) AddWorker(pid types.NodeID, link *WorkerLink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workers[pid] = link
}

// RemoveWorker drops pid from the group, e.g. on rmprocs or link death.
func (g *ProcessGroup) RemoveWorker(pid types.NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.workers, pid)
}

// WorkerFromID returns the link for pid, if known.
func (g *ProcessGroup) WorkerFromID(pid types.NodeID) (*WorkerLink, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.workers[pid]
	return w, ok
}

// IDInProcs reports whether pid names a currently known member.
func (g *ProcessGroup) IDInProcs(pid types.NodeID) bool {
	if pid == g.self {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.workers[pid]
	return ok
}

// Workers returns a snapshot of known worker ids, excluding self.
func (g *ProcessGroup) Workers() []types.NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.NodeID, 0, len(g.workers))
	for id := range g.workers {
		out = append(out, id)
	}
	return out
}

// ForEachWorker iterates live links under the registry lock. fn must not
// block on network I/O or call back into the registry (§4.A).
func (g *ProcessGroup) ForEachWorker(fn func(types.NodeID, *WorkerLink)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, w := range g.workers {
		fn(id, w)
	}
}

// Registry is the process-wide, role-keyed table of ProcessGroups (spec
// §4.A / §9 "Global mutable state"): PGRP(role) resolves from it. It is
// itself process-wide, matching the teacher's single package-level
// registries (e.g. InvokerInstance()) rather than being threaded through
// every call explicitly.
type Registry struct {
	mu     sync.Mutex
	groups map[types.Role]*ProcessGroup
	// ambient is the role a nested (worker-as-master) context should use
	// when the caller passes RoleDefault, following §4.I / §9's "role as
	// ambient context" design note.
	ambient types.Role
}

// NewRegistry constructs an empty role registry, defaulting ambient
// resolution to RoleMaster (the outer, top-level view).
func NewRegistry() *Registry {
	return &Registry{groups: make(map[types.Role]*ProcessGroup), ambient: types.RoleMaster}
}

// Put installs the group for its own role.
func (r *Registry) Put(g *ProcessGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[g.role] = g
}

// PGRP resolves role to a ProcessGroup, substituting the ambient role
// when role is RoleDefault (§4.A, §4.I).
func (r *Registry) PGRP(role types.Role) (*ProcessGroup, bool) {
	r.mu.Lock()
	resolved := role
	if resolved == types.RoleDefault {
		resolved = r.ambient
	}
	g, ok := r.groups[resolved]
	r.mu.Unlock()
	return g, ok
}

// SetAmbient overrides which concrete role RoleDefault resolves to. Used
// when entering a nested, multiscale dynamic context where this worker is
// itself acting as a sub-cluster's master (§4.A, §9).
func (r *Registry) SetAmbient(role types.Role) (restore func()) {
	r.mu.Lock()
	prev := r.ambient
	r.ambient = role
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.ambient = prev
		r.mu.Unlock()
	}
}

// IncomingRole derives the role a callee should treat an inbound message
// as having, per §4.I / §9's open-question resolution: the callee never
// trusts a transmitted caller-side role value, it derives the role solely
// from whether the caller addressed id 1 in the caller's own view.
func IncomingRole(callerTargetedMaster bool) types.Role {
	if callerTargetedMaster {
		return types.RoleMaster
	}
	return types.RoleWorker
}
