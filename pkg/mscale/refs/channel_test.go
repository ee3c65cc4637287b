package refs

import (
	"context"
	"testing"
)

func TestRemoteChannel_LocalPutTakeFIFO(t *testing.T) {
	id := nextTestNode()
	owner := newFakeOwner(id)
	rc, err := NewRemoteChannel(owner, id, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := rc.Put(ctx, "a"); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := rc.Put(ctx, "b"); err != nil {
		t.Fatalf("put b: %v", err)
	}
	v, err := rc.Take(ctx)
	if err != nil || v != "a" {
		t.Fatalf("take: %v, %v", v, err)
	}
	v, err = rc.Take(ctx)
	if err != nil || v != "b" {
		t.Fatalf("take: %v, %v", v, err)
	}
}

func TestRemoteChannel_FetchIsNonDestructive(t *testing.T) {
	id := nextTestNode()
	owner := newFakeOwner(id)
	rc, _ := NewRemoteChannel(owner, id, 0)
	ctx := context.Background()
	_ = rc.Put(ctx, "only")
	v1, err := rc.Fetch(ctx)
	if err != nil || v1 != "only" {
		t.Fatalf("fetch: %v, %v", v1, err)
	}
	if !rc.IsReady() {
		t.Fatalf("channel should still be ready after fetch")
	}
	v2, err := rc.Take(ctx)
	if err != nil || v2 != "only" {
		t.Fatalf("take: %v, %v", v2, err)
	}
}

func TestRemoteChannel_CloseThenIsOpen(t *testing.T) {
	id := nextTestNode()
	owner := newFakeOwner(id)
	rc, _ := NewRemoteChannel(owner, id, 0)
	if !rc.IsOpen() {
		t.Fatalf("fresh channel should be open")
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if rc.IsOpen() {
		t.Fatalf("channel should be closed")
	}
}

func TestRemoteChannel_RemotePutTakeRoundTrip(t *testing.T) {
	localID, remoteID := nextTestNode(), nextTestNode()
	local := newFakeOwner(localID)
	remote := newFakeOwner(remoteID)
	local.remote = remote

	rc, err := NewRemoteChannel(local, remoteID, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := rc.Put(ctx, 7); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := rc.Take(ctx)
	if err != nil || v != 7 {
		t.Fatalf("take: %v, %v", v, err)
	}
}

func TestRemoteChannel_Canonicalization(t *testing.T) {
	id := nextTestNode()
	owner := newFakeOwner(id)
	rrid := owner.NewRRID(id)
	_ = owner.EnsureChannel(rrid, 0)
	rc1 := canonicalizeChannel(owner, rrid)
	rc2 := canonicalizeChannel(owner, rrid)
	if rc1 != rc2 {
		t.Fatalf("canonicalizeChannel should return the same object for the same rrid")
	}
}

func TestRemoteChannel_IterateStopsOnClose(t *testing.T) {
	id := nextTestNode()
	owner := newFakeOwner(id)
	rc, _ := NewRemoteChannel(owner, id, 0)
	ctx := context.Background()
	_ = rc.Put(ctx, 1)
	_ = rc.Put(ctx, 2)
	_ = rc.Close()

	var seen []interface{}
	err := rc.Iterate(ctx, func(v interface{}) bool {
		seen = append(seen, v)
		return true
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("got %v, want [1 2]", seen)
	}
}

func TestRemoteChannel_IterateStopsWhenYieldReturnsFalse(t *testing.T) {
	id := nextTestNode()
	owner := newFakeOwner(id)
	rc, _ := NewRemoteChannel(owner, id, 0)
	ctx := context.Background()
	_ = rc.Put(ctx, 1)
	_ = rc.Put(ctx, 2)
	_ = rc.Put(ctx, 3)

	var seen []interface{}
	err := rc.Iterate(ctx, func(v interface{}) bool {
		seen = append(seen, v)
		return len(seen) < 1
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("got %v, want exactly one element", seen)
	}
}

func TestRemoteChannel_BoundedBlocksUntilSpace(t *testing.T) {
	id := nextTestNode()
	owner := newFakeOwner(id)
	rc, err := NewRemoteChannel(owner, id, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := rc.Put(ctx, "first"); err != nil {
		t.Fatalf("put: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- rc.Put(ctx, "second")
	}()

	select {
	case <-done:
		t.Fatalf("put on a full bounded channel should block until space is freed")
	default:
	}

	if _, err := rc.Take(ctx); err != nil {
		t.Fatalf("take: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("blocked put: %v", err)
	}
}

func TestRemoteChannel_AddClientDelClientSymmetry(t *testing.T) {
	localID, remoteID := nextTestNode(), nextTestNode()
	local := newFakeOwner(localID)
	remote := newFakeOwner(remoteID)
	local.remote = remote

	rrid := local.NewRRID(remoteID)
	_ = local.EnsureChannel(rrid, 0)
	rc := canonicalizeChannel(local, rrid)
	if len(local.adds) != 1 {
		t.Fatalf("expected exactly one AddClient call on first canonicalization, got %d", len(local.adds))
	}

	// A second canonicalization for the same rrid is redundant and should
	// balance with a DelClient rather than a second AddClient.
	rc2 := canonicalizeChannel(local, rrid)
	if rc != rc2 {
		t.Fatalf("expected the same canonical handle")
	}
	if len(local.dels) != 1 {
		t.Fatalf("expected exactly one balancing DelClient call, got %d", len(local.dels))
	}
}
