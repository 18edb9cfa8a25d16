// Package rref implements remote references: handles to values that live on
// exactly one owning worker, shareable across workers by identity. The
// registry tracks owned values with their distributed reference counts and
// the user entries this worker holds on other workers' values.
package rref

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/refnet/refnet/value"
)

var (
	// ErrNotOwner is returned when an owner-only operation runs on a
	// non-owner handle. The message is part of the API contract.
	ErrNotOwner = errors.New("Can't call RRef.local_value() on a non-owner RRef")

	// ErrReleased is returned when a reference's value has already been
	// freed on the owner.
	ErrReleased = errors.New("remote reference has been released")

	// ErrUnknownRef is returned for identities this registry never saw.
	ErrUnknownRef = errors.New("unknown remote reference")
)

// localRankShift partitions local ids by the creating worker, so two workers
// can name new references concurrently without coordination.
const localRankShift = 40

// Messenger is the reference-lifetime channel back to owners. The rpc
// package implements it over the worker transport.
type Messenger interface {
	// SendAck tells the owner this worker now holds a user reference.
	SendAck(ctx context.Context, ref value.Ref) error

	// SendRelease tells the owner this worker dropped its user reference.
	SendRelease(ctx context.Context, ref value.Ref) error

	// Fetch retrieves the referent from the owner, blocking until the
	// value has materialized there.
	Fetch(ctx context.Context, ref value.Ref) (value.Value, error)

	// WorkerName maps a rank to its stable worker name.
	WorkerName(rank int) string
}

type refKey struct {
	owner int
	local uint64
}

func keyOf(ref value.Ref) refKey {
	return refKey{owner: ref.Owner, local: ref.Local}
}

// ownedEntry is one value this worker owns. val and err are written once,
// before done is closed, and never change afterwards.
type ownedEntry struct {
	done chan struct{}

	val    value.Value
	err    error
	pinned bool

	// users counts remote holders; localHeld marks the owner's own handle.
	// The entry is freed when both reach zero.
	users     int
	localHeld bool
}

type userEntry struct {
	confirmed bool
}

// Registry is the per-worker reference table.
type Registry struct {
	selfRank  int
	nextLocal atomic.Uint64
	messenger Messenger

	mu       sync.Mutex
	owned    map[refKey]*ownedEntry
	users    map[refKey]*userEntry
	released map[refKey]struct{}
}

// NewRegistry creates an empty registry for the given rank. The messenger is
// attached separately because the worker that implements it needs the
// registry first.
func NewRegistry(selfRank int) *Registry {
	return &Registry{
		selfRank: selfRank,
		owned:    make(map[refKey]*ownedEntry),
		users:    make(map[refKey]*userEntry),
		released: make(map[refKey]struct{}),
	}
}

// SetMessenger attaches the reference-lifetime channel. Must be called
// before any handle method that talks to an owner.
func (r *Registry) SetMessenger(m Messenger) {
	r.messenger = m
}

// SelfRank returns the rank this registry belongs to.
func (r *Registry) SelfRank() int {
	return r.selfRank
}

// NewID allocates a fresh reference identity owned by ownerRank. The local
// id carries this worker's rank in its top bits, so a caller can name a
// value it asks another worker to own.
func (r *Registry) NewID(ownerRank int, typeTag string) value.Ref {
	seq := r.nextLocal.Add(1)
	return value.Ref{
		Owner:   ownerRank,
		Local:   uint64(r.selfRank)<<localRankShift | seq,
		TypeTag: typeTag,
	}
}

// CreateOwned registers v as a new value owned and held by this worker, and
// returns its handle.
func (r *Registry) CreateOwned(v value.Value, typeTag string) *RRef {
	ref := r.NewID(r.selfRank, typeTag)
	done := make(chan struct{})
	close(done)

	r.mu.Lock()
	r.owned[keyOf(ref)] = &ownedEntry{
		done:      done,
		val:       v,
		pinned:    v.IsPinned(),
		localHeld: true,
	}
	r.mu.Unlock()

	return r.Handle(ref)
}

// getOrCreateOwnedLocked returns the entry for a caller-assigned identity,
// creating a pending one on first sight. Creation and fetch messages race
// on the owner; whichever arrives first creates the entry.
func (r *Registry) getOrCreateOwnedLocked(ref value.Ref) (*ownedEntry, error) {
	if ref.Owner != r.selfRank {
		return nil, fmt.Errorf("cannot own reference %s for rank %d", ref, ref.Owner)
	}
	k := keyOf(ref)
	if _, released := r.released[k]; released {
		return nil, fmt.Errorf("%w: %s", ErrReleased, ref)
	}
	entry, ok := r.owned[k]
	if !ok {
		entry = &ownedEntry{done: make(chan struct{})}
		r.owned[k] = entry
	}
	return entry, nil
}

// ReserveOwned registers a pending owned entry under a caller-assigned
// identity. The creating user counts as the first reference; the value
// arrives later via Materialize.
func (r *Registry) ReserveOwned(ref value.Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, err := r.getOrCreateOwnedLocked(ref)
	if err != nil {
		return err
	}
	select {
	case <-entry.done:
		return fmt.Errorf("reference %s already owned", ref)
	default:
	}
	entry.users++
	return nil
}

// Materialize completes a reserved entry with the computed value or the
// failure that produced it. Fetchers blocked on the entry wake up.
func (r *Registry) Materialize(ref value.Ref, v value.Value, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.owned[keyOf(ref)]
	if !ok {
		return fmt.Errorf("materialize: %w: %s", ErrUnknownRef, ref)
	}
	select {
	case <-entry.done:
		return fmt.Errorf("reference %s already materialized", ref)
	default:
	}

	entry.val = v
	entry.err = err
	entry.pinned = err == nil && v.IsPinned()
	close(entry.done)
	return nil
}

// FetchLocal returns the owned value behind ref, blocking until it has
// materialized. A fetch arriving before the creation request parks on a
// pending entry; a failed materialization replays its error to every
// fetcher.
func (r *Registry) FetchLocal(ctx context.Context, ref value.Ref) (value.Value, error) {
	r.mu.Lock()
	entry, err := r.getOrCreateOwnedLocked(ref)
	if err != nil {
		r.mu.Unlock()
		return value.Unit(), err
	}
	r.mu.Unlock()

	select {
	case <-entry.done:
	case <-ctx.Done():
		return value.Unit(), ctx.Err()
	}
	return entry.val, entry.err
}

// PinnedOwned reports whether the owned referent is a stateful instance
// pinned to this worker. False for anything not owned here or not yet
// materialized.
func (r *Registry) PinnedOwned(ref value.Ref) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.owned[keyOf(ref)]
	return ok && entry.pinned
}

// IncUser records one more remote holder of an owned reference. Called when
// the owner receives a user's ack, which may outrun the creation request.
func (r *Registry) IncUser(ref value.Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, err := r.getOrCreateOwnedLocked(ref)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	entry.users++
	return nil
}

// DecUser drops one remote holder. The entry is freed once no remote user
// and no local handle remains. A release with no recorded holder is
// ignored: it is either a duplicate or it outran the creation request, and
// must not destroy a pending entry fetchers are parked on.
func (r *Registry) DecUser(ref value.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := keyOf(ref)
	entry, ok := r.owned[k]
	if !ok || entry.users <= 0 {
		return
	}
	entry.users--
	if entry.users == 0 && !entry.localHeld {
		delete(r.owned, k)
		r.released[k] = struct{}{}
	}
}

// releaseLocalHold drops the owner's own hold. An owner handle backed by a
// reserved entry counts as a user, not a local hold, so it decrements users
// instead.
func (r *Registry) releaseLocalHold(ref value.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := keyOf(ref)
	entry, ok := r.owned[k]
	if !ok {
		return
	}
	if entry.localHeld {
		entry.localHeld = false
	} else {
		entry.users--
	}
	if entry.users <= 0 && !entry.localHeld {
		delete(r.owned, k)
		r.released[k] = struct{}{}
	}
}

// AddUser registers an unconfirmed user entry for a reference owned
// elsewhere. Idempotent; reports whether the entry is new.
func (r *Registry) AddUser(ref value.Ref) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := keyOf(ref)
	if _, exists := r.users[k]; exists {
		return false
	}
	r.users[k] = &userEntry{}
	return true
}

// ConfirmUser marks a user entry acknowledged by its owner.
func (r *Registry) ConfirmUser(ref value.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.users[keyOf(ref)]; ok {
		entry.confirmed = true
	}
}

// UserConfirmed reports the confirmation flag of a user entry. Never blocks.
func (r *Registry) UserConfirmed(ref value.Ref) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.users[keyOf(ref)]
	return ok && entry.confirmed
}

func (r *Registry) removeUser(ref value.Ref) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := keyOf(ref)
	if _, ok := r.users[k]; !ok {
		return false
	}
	delete(r.users, k)
	return true
}

// Handle wraps a reference identity in an RRef bound to this registry.
func (r *Registry) Handle(ref value.Ref) *RRef {
	return &RRef{ref: ref, reg: r}
}

// OwnedCount returns the number of live owned entries.
func (r *Registry) OwnedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.owned)
}

// UserCount returns the number of live user entries.
func (r *Registry) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// LeakedOwned lists owned references that still have remote holders. Used
// for shutdown diagnostics.
func (r *Registry) LeakedOwned() []value.Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	var leaked []value.Ref
	for k, entry := range r.owned {
		if entry.users > 0 {
			leaked = append(leaked, value.Ref{Owner: k.owner, Local: k.local})
		}
	}
	return leaked
}
