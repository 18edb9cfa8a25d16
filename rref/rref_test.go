package rref

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/refnet/refnet/value"
)

// fakeMessenger resolves fetches against a remote registry directly, and
// records lifetime traffic.
type fakeMessenger struct {
	remote   *Registry
	releases []value.Ref
	acks     []value.Ref
}

func (m *fakeMessenger) SendAck(ctx context.Context, ref value.Ref) error {
	m.acks = append(m.acks, ref)
	return m.remote.IncUser(ref)
}

func (m *fakeMessenger) SendRelease(ctx context.Context, ref value.Ref) error {
	m.releases = append(m.releases, ref)
	m.remote.DecUser(ref)
	return nil
}

func (m *fakeMessenger) Fetch(ctx context.Context, ref value.Ref) (value.Value, error) {
	return m.remote.FetchLocal(ctx, ref)
}

func (m *fakeMessenger) WorkerName(rank int) string {
	return fmt.Sprintf("worker%d", rank)
}

func TestOwnerHandle(t *testing.T) {
	reg := NewRegistry(0)
	reg.SetMessenger(&fakeMessenger{})

	rr := reg.CreateOwned(value.NewTensor(2, 2), "tensor")
	if !rr.IsOwner() {
		t.Error("Creator should own the reference")
	}
	if !rr.ConfirmedByOwner() {
		t.Error("Owner handle should be confirmed by construction")
	}
	if rr.OwnerName() != "worker0" {
		t.Errorf("Unexpected owner name %q", rr.OwnerName())
	}

	v, err := rr.LocalValue(context.Background())
	if err != nil {
		t.Fatalf("LocalValue failed: %v", err)
	}
	if !value.Equal(v, value.NewTensor(2, 2)) {
		t.Errorf("LocalValue returned %s", v)
	}

	// ToHere on the owner returns the same value without a messenger trip.
	v, err = rr.ToHere(context.Background())
	if err != nil {
		t.Fatalf("ToHere failed: %v", err)
	}
	if !value.Equal(v, value.NewTensor(2, 2)) {
		t.Errorf("ToHere returned %s", v)
	}
}

func TestLocalValueOnNonOwner(t *testing.T) {
	owner := NewRegistry(1)
	user := NewRegistry(0)
	user.SetMessenger(&fakeMessenger{remote: owner})

	ref := user.NewID(1, "tensor")
	rr := user.Handle(ref)

	_, err := rr.LocalValue(context.Background())
	if err == nil {
		t.Fatal("Expected owner-only error")
	}
	if err.Error() != "Can't call RRef.local_value() on a non-owner RRef" {
		t.Errorf("Unexpected message: %q", err.Error())
	}
}

func TestFetchBlocksUntilMaterialized(t *testing.T) {
	reg := NewRegistry(0)
	ref := reg.NewID(0, "tensor")
	if err := reg.ReserveOwned(ref); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	got := make(chan value.Value, 1)
	go func() {
		v, err := reg.FetchLocal(context.Background(), ref)
		if err != nil {
			t.Errorf("FetchLocal failed: %v", err)
		}
		got <- v
	}()

	// The fetcher must still be parked.
	select {
	case <-got:
		t.Fatal("Fetch returned before materialization")
	case <-time.After(50 * time.Millisecond):
	}

	if err := reg.Materialize(ref, value.NewInt(7), nil); err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}

	select {
	case v := <-got:
		if !value.Equal(v, value.NewInt(7)) {
			t.Errorf("Fetched %s", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Fetch never woke up")
	}
}

func TestMaterializeFailureReplays(t *testing.T) {
	reg := NewRegistry(0)
	ref := reg.NewID(0, "")
	if err := reg.ReserveOwned(ref); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := reg.Materialize(ref, value.Unit(), errors.New("Expected error")); err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		_, err := reg.FetchLocal(context.Background(), ref)
		if err == nil || err.Error() != "Expected error" {
			t.Errorf("Fetch %d got %v", i, err)
		}
	}
}

func TestUserConfirmation(t *testing.T) {
	owner := NewRegistry(1)
	user := NewRegistry(0)
	m := &fakeMessenger{remote: owner}
	user.SetMessenger(m)

	ref := user.NewID(1, "tensor")
	if err := user.ReserveOwned(ref); err == nil {
		t.Fatal("Non-owner registry must reject owning the reference")
	}

	rr := user.Handle(ref)
	if !user.AddUser(ref) {
		t.Fatal("First AddUser should report a new entry")
	}
	if user.AddUser(ref) {
		t.Error("Second AddUser should be a no-op")
	}
	if rr.ConfirmedByOwner() {
		t.Error("Fresh user entry must start unconfirmed")
	}

	user.ConfirmUser(ref)
	if !rr.ConfirmedByOwner() {
		t.Error("Confirmed entry should report confirmed")
	}
}

func TestToHereThroughMessenger(t *testing.T) {
	owner := NewRegistry(1)
	user := NewRegistry(0)
	user.SetMessenger(&fakeMessenger{remote: owner})

	remote := owner.CreateOwned(value.NewString("hello"), "str")
	rr := user.Handle(remote.Ref())

	v, err := rr.ToHere(context.Background())
	if err != nil {
		t.Fatalf("ToHere failed: %v", err)
	}
	if !value.Equal(v, value.NewString("hello")) {
		t.Errorf("ToHere returned %s", v)
	}
}

func TestRefcountFreesValue(t *testing.T) {
	owner := NewRegistry(1)

	// A remotely created value starts with one user, the creator.
	ref := value.Ref{Owner: 1, Local: 42}
	if err := owner.ReserveOwned(ref); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := owner.Materialize(ref, value.NewInt(1), nil); err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}

	// A second user acks, then both release.
	if err := owner.IncUser(ref); err != nil {
		t.Fatalf("IncUser failed: %v", err)
	}
	owner.DecUser(ref)
	if owner.OwnedCount() != 1 {
		t.Fatal("Value freed while a user remained")
	}
	owner.DecUser(ref)
	if owner.OwnedCount() != 0 {
		t.Fatal("Value not freed at refcount zero")
	}

	_, err := owner.FetchLocal(context.Background(), ref)
	if !errors.Is(err, ErrReleased) {
		t.Errorf("Expected released error, got %v", err)
	}
}

func TestReleaseUserHandle(t *testing.T) {
	owner := NewRegistry(1)
	user := NewRegistry(0)
	m := &fakeMessenger{remote: owner}
	user.SetMessenger(m)

	remote := owner.CreateOwned(value.NewInt(5), "int")
	ref := remote.Ref()
	user.AddUser(ref)
	if err := m.SendAck(context.Background(), ref); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	rr := user.Handle(ref)
	if err := rr.Release(context.Background()); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if len(m.releases) != 1 {
		t.Fatalf("Expected one release message, got %d", len(m.releases))
	}
	// Releasing again is a no-op.
	if err := rr.Release(context.Background()); err != nil {
		t.Fatalf("Second release failed: %v", err)
	}
	if len(m.releases) != 1 {
		t.Errorf("Release message sent twice")
	}

	_, err := rr.ToHere(context.Background())
	if !errors.Is(err, ErrReleased) {
		t.Errorf("Expected released error, got %v", err)
	}

	// The owner still holds its local copy.
	if owner.OwnedCount() != 1 {
		t.Error("Owner's local hold should keep the value alive")
	}
	remote.Release(context.Background())
	if owner.OwnedCount() != 0 {
		t.Error("Value should be freed after the owner releases")
	}
}

func TestEarlyReleaseKeepsPendingEntry(t *testing.T) {
	reg := NewRegistry(0)
	ref := value.Ref{Owner: 0, Local: 11}

	// A release for an identity this registry never saw is ignored.
	reg.DecUser(ref)

	got := make(chan value.Value, 1)
	go func() {
		v, err := reg.FetchLocal(context.Background(), ref)
		if err != nil {
			t.Errorf("FetchLocal failed: %v", err)
		}
		got <- v
	}()

	// Wait for the fetcher to park on the pending entry, then deliver a
	// release that outran the creation request. The entry has no recorded
	// holder yet, so the release must not free it.
	waitParked := time.After(50 * time.Millisecond)
	select {
	case <-got:
		t.Fatal("Fetch returned before materialization")
	case <-waitParked:
	}
	reg.DecUser(ref)

	if err := reg.ReserveOwned(ref); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := reg.Materialize(ref, value.NewInt(9), nil); err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}

	select {
	case v := <-got:
		if !value.Equal(v, value.NewInt(9)) {
			t.Errorf("Fetched %s", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Fetcher never woke up after materialization")
	}
}

func TestDuplicateReleaseIgnored(t *testing.T) {
	reg := NewRegistry(0)
	ref := value.Ref{Owner: 0, Local: 12}
	if err := reg.ReserveOwned(ref); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := reg.Materialize(ref, value.NewInt(1), nil); err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}

	reg.DecUser(ref)
	reg.DecUser(ref)
	if reg.OwnedCount() != 0 {
		t.Fatal("Value not freed at refcount zero")
	}

	// The duplicate must not disturb a later, unrelated entry count.
	other := reg.CreateOwned(value.NewInt(2), "int")
	if reg.OwnedCount() != 1 {
		t.Errorf("Unexpected owned count after duplicate release")
	}
	other.Release(context.Background())
}

func TestLeakedOwned(t *testing.T) {
	owner := NewRegistry(0)
	ref := value.Ref{Owner: 0, Local: 7}
	if err := owner.ReserveOwned(ref); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := owner.Materialize(ref, value.NewInt(1), nil); err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}

	leaked := owner.LeakedOwned()
	if len(leaked) != 1 || leaked[0].Local != 7 {
		t.Errorf("Expected one leaked ref, got %v", leaked)
	}

	owner.DecUser(ref)
	if len(owner.LeakedOwned()) != 0 {
		t.Error("Released ref still reported leaked")
	}
}

func TestPinnedOwned(t *testing.T) {
	reg := NewRegistry(0)
	obj := value.NewPinnedObject("MyModuleInterface", map[string]value.Value{
		"forward_count": value.NewInt(0),
	})
	rr := reg.CreateOwned(obj, "MyModuleInterface")

	if !reg.PinnedOwned(rr.Ref()) {
		t.Error("Stateful instance should report pinned")
	}

	plain := reg.CreateOwned(value.NewInt(3), "int")
	if reg.PinnedOwned(plain.Ref()) {
		t.Error("Plain value should not report pinned")
	}
}
