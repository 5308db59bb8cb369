package inprocess

import (
	"context"
	"sync"
	"testing"
	"time"

	"fulcrum/messagebus/internal/envelope"
)

func TestBroadcastReachesAllRegisteredInstances(t *testing.T) {
	reg := NewRegistry()
	a := New("A", reg, nil)
	b := New("B", reg, nil)
	defer a.Shutdown(context.Background())
	defer b.Shutdown(context.Background())

	var mu sync.Mutex
	var aGot, bGot int
	a.SetHandler(func(envelope.Envelope) { mu.Lock(); aGot++; mu.Unlock() })
	b.SetHandler(func(envelope.Envelope) { mu.Lock(); bGot++; mu.Unlock() })

	env := envelope.New("ping", "A", nil, "hi", nil)
	if err := a.Broadcast(context.Background(), env); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return aGot == 1 && bGot == 1
	})
}

func TestSendReachesOnlyTarget(t *testing.T) {
	reg := NewRegistry()
	a := New("A", reg, nil)
	b := New("B", reg, nil)
	defer a.Shutdown(context.Background())
	defer b.Shutdown(context.Background())

	var mu sync.Mutex
	var aGot, bGot int
	a.SetHandler(func(envelope.Envelope) { mu.Lock(); aGot++; mu.Unlock() })
	b.SetHandler(func(envelope.Envelope) { mu.Lock(); bGot++; mu.Unlock() })

	target := "B"
	env := envelope.New("whisper", "A", &target, "psst", nil)
	if err := a.Send(context.Background(), "B", env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return bGot == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if aGot != 0 {
		t.Fatalf("expected source to not receive its own direct send, got %d", aGot)
	}
}

func TestSendToUnknownTargetIsSoftFailure(t *testing.T) {
	reg := NewRegistry()
	a := New("A", reg, nil)
	defer a.Shutdown(context.Background())

	target := "ghost"
	env := envelope.New("whisper", "A", &target, "psst", nil)
	if err := a.Send(context.Background(), "ghost", env); err != nil {
		t.Fatalf("expected soft failure (nil error) for unknown target, got %v", err)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	a := New("A", reg, nil)
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if a.IsConnected() {
		t.Fatalf("expected IsConnected false after Shutdown")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}
