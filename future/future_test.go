package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/refnet/refnet/value"
)

func TestForkWait(t *testing.T) {
	addOnes := func() (value.Value, error) {
		return value.Add(value.Ones(2), value.NewInt(1))
	}

	// wait(fork(f)) equals f() for a side-effect-free f.
	direct, err := addOnes()
	if err != nil {
		t.Fatalf("Direct call failed: %v", err)
	}

	got, err := Fork(addOnes).Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !value.Equal(got, direct) {
		t.Errorf("Expected %s, got %s", direct, got)
	}
}

func TestNestedForkWait(t *testing.T) {
	inner := func() (value.Value, error) {
		return value.NewTensor(2, 2), nil
	}

	// A forked unit that itself forks and waits must compose without
	// deadlock.
	outer := Fork(func() (value.Value, error) {
		v, err := Fork(inner).Wait(context.Background())
		if err != nil {
			return value.Unit(), err
		}
		return value.Mul(v, 2)
	})

	got, err := outer.Wait(context.Background())
	if err != nil {
		t.Fatalf("Nested wait failed: %v", err)
	}
	if !value.Equal(got, value.NewTensor(4, 4)) {
		t.Errorf("Expected [4, 4], got %s", got)
	}
}

func TestWaitReplaysError(t *testing.T) {
	fut := Fork(func() (value.Value, error) {
		return value.Unit(), errors.New("Expected error")
	})

	_, err := fut.Wait(context.Background())
	if err == nil || err.Error() != "Expected error" {
		t.Fatalf("Expected 'Expected error', got %v", err)
	}

	// Waiting again replays the cached failure without re-executing.
	_, err2 := fut.Wait(context.Background())
	if err2 == nil || err2.Error() != err.Error() {
		t.Errorf("Second wait returned a different result: %v", err2)
	}
}

func TestWaitIdempotent(t *testing.T) {
	calls := 0
	fut := Fork(func() (value.Value, error) {
		calls++
		return value.NewInt(41), nil
	})

	first, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatalf("First wait failed: %v", err)
	}
	second, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatalf("Second wait failed: %v", err)
	}

	if !value.Equal(first, second) {
		t.Errorf("Waits disagree: %s vs %s", first, second)
	}
	if calls != 1 {
		t.Errorf("Forked function ran %d times", calls)
	}
}

func TestTerminalStateImmutable(t *testing.T) {
	fut := New()
	fut.SetResult(value.NewInt(1))
	fut.SetResult(value.NewInt(2))
	fut.SetError(errors.New("late failure"))

	got, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !value.Equal(got, value.NewInt(1)) {
		t.Errorf("First terminal state did not stick: %s", got)
	}
}

func TestCallbackRunsAfterCompletion(t *testing.T) {
	fut := New()
	observed := make(chan value.Value, 1)

	fut.AddCallback(func(f *Future) {
		v, _ := f.Result()
		observed <- v
	})

	fut.SetResult(value.NewInt(7))

	select {
	case v := <-observed:
		if !value.Equal(v, value.NewInt(7)) {
			t.Errorf("Callback observed %s", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Callback never ran")
	}
}

func TestCallbackAttachedAfterTerminal(t *testing.T) {
	fut := New()
	fut.SetError(errors.New("already done"))

	observed := make(chan error, 1)
	fut.AddCallback(func(f *Future) {
		_, err := f.Result()
		observed <- err
	})

	select {
	case err := <-observed:
		if err == nil || err.Error() != "already done" {
			t.Errorf("Late callback observed %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Late callback never ran")
	}
}

func TestWaitContextCancelled(t *testing.T) {
	fut := New()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := fut.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", err)
	}

	// The future itself is still pending and can complete later.
	if fut.Done() {
		t.Error("Future should still be pending")
	}
	fut.SetResult(value.NewInt(3))
	got, err := fut.Wait(context.Background())
	if err != nil || !value.Equal(got, value.NewInt(3)) {
		t.Errorf("Late completion lost: %s, %v", got, err)
	}
}

func TestObservedTracking(t *testing.T) {
	fut := New()
	fut.SetError(errors.New("never seen"))

	if fut.Observed() {
		t.Error("Unwaited future should not be observed")
	}
	if !fut.Failed() {
		t.Error("Future should report failure")
	}

	fut.Wait(context.Background())
	if !fut.Observed() {
		t.Error("Waited future should be observed")
	}
}
