package core

import (
	"testing"
)

func TestWatchableDeliversCurrentValueOnSubscribe(t *testing.T) {
	w := NewWatchable(7)
	sub := w.Subscribe()
	defer sub.Close()

	if got := recv(t, sub.C); got != 7 {
		t.Fatalf("first value = %d, want 7", got)
	}
}

func TestWatchableConflatesToLatest(t *testing.T) {
	w := NewWatchable(0)
	sub := w.Subscribe()
	defer sub.Close()

	for i := 1; i <= 50; i++ {
		w.Set(i)
	}
	if got := recv(t, sub.C); got != 50 {
		t.Fatalf("slow reader got %d, want latest 50", got)
	}
	select {
	case v := <-sub.C:
		t.Fatalf("unexpected extra value %d", v)
	default:
	}
}

func TestWatchableOrderedForFastReader(t *testing.T) {
	w := NewWatchable(0)
	sub := w.Subscribe()
	defer sub.Close()
	recv(t, sub.C)

	for i := 1; i <= 5; i++ {
		w.Set(i)
		if got := recv(t, sub.C); got != i {
			t.Fatalf("got %d, want %d", got, i)
		}
	}
}

func TestSubscriptionCloseClosesChannel(t *testing.T) {
	w := NewWatchable("a")
	sub := w.Subscribe()
	sub.Close()
	sub.Close()

	// Drain the initial value, then the channel must be closed.
	for range sub.C {
	}
	w.Set("b")
}
