package rref

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/refnet/refnet/value"
)

// RRef is a handle to a value owned by exactly one worker. Handles cross
// the wire by identity; the referent never moves off its owner except
// through ToHere.
type RRef struct {
	ref value.Ref
	reg *Registry

	released atomic.Bool
}

// Ref returns the wire identity.
func (rr *RRef) Ref() value.Ref {
	return rr.ref
}

// Value returns the handle as an argument value for calls.
func (rr *RRef) Value() value.Value {
	return value.NewRef(rr.ref)
}

// Owner returns the owning worker's rank.
func (rr *RRef) Owner() int {
	return rr.ref.Owner
}

// OwnerName returns the owning worker's stable name.
func (rr *RRef) OwnerName() string {
	return rr.reg.messenger.WorkerName(rr.ref.Owner)
}

// IsOwner reports whether this worker owns the referent.
func (rr *RRef) IsOwner() bool {
	return rr.ref.Owner == rr.reg.selfRank
}

// ConfirmedByOwner reports whether the owner has acknowledged this handle.
// Owner handles are confirmed by construction. Never blocks.
func (rr *RRef) ConfirmedByOwner() bool {
	if rr.IsOwner() {
		return true
	}
	return rr.reg.UserConfirmed(rr.ref)
}

// ToHere fetches the referent to this worker, blocking the calling
// goroutine until the owner has materialized it. A failed materialization
// surfaces its error here, verbatim.
func (rr *RRef) ToHere(ctx context.Context) (value.Value, error) {
	if rr.released.Load() {
		return value.Unit(), fmt.Errorf("%w: %s", ErrReleased, rr.ref)
	}
	if rr.IsOwner() {
		return rr.reg.FetchLocal(ctx, rr.ref)
	}
	return rr.reg.messenger.Fetch(ctx, rr.ref)
}

// LocalValue returns the owned value without a network round trip. Calling
// it on a non-owner handle is an error.
func (rr *RRef) LocalValue(ctx context.Context) (value.Value, error) {
	if !rr.IsOwner() {
		return value.Unit(), ErrNotOwner
	}
	if rr.released.Load() {
		return value.Unit(), fmt.Errorf("%w: %s", ErrReleased, rr.ref)
	}
	return rr.reg.FetchLocal(ctx, rr.ref)
}

// Release drops this worker's hold on the referent. On the owner it drops
// the local hold; on a user it removes the entry and notifies the owner.
// Idempotent.
func (rr *RRef) Release(ctx context.Context) error {
	if !rr.released.CompareAndSwap(false, true) {
		return nil
	}
	if rr.IsOwner() {
		rr.reg.releaseLocalHold(rr.ref)
		return nil
	}
	if rr.reg.removeUser(rr.ref) {
		return rr.reg.messenger.SendRelease(ctx, rr.ref)
	}
	return nil
}

// String renders the handle identity.
func (rr *RRef) String() string {
	return rr.ref.String()
}
