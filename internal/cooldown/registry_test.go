package cooldown

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Close(ctx)
	})
	return r
}

func testKey(t *testing.T, name string) Key {
	t.Helper()
	k, err := NewKey("test", name, uuid.New(), "")
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return k
}

// Scenario 5.
func TestRejectWhileActiveThenAcceptAfterExpiry(t *testing.T) {
	r := newTestRegistry(t)
	key := testKey(t, "reject")
	spec, err := NewSpec(150*time.Millisecond, RejectWhileActive)
	if err != nil {
		t.Fatalf("NewSpec: %v", err)
	}

	first, err := r.Acquire(key, spec)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !first.Accepted {
		t.Fatalf("expected first acquire to be accepted")
	}

	second, err := r.Acquire(key, spec)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if second.Accepted {
		t.Fatalf("expected second acquire under RejectWhileActive to be rejected")
	}
	if second.Remaining <= 0 || second.Remaining > spec.Window {
		t.Fatalf("expected remaining in (0, window], got %s", second.Remaining)
	}

	time.Sleep(spec.Window + 50*time.Millisecond)

	third, err := r.Acquire(key, spec)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !third.Accepted {
		t.Fatalf("expected acquire after expiry to be accepted again")
	}
}

func TestExtendOnAcquireAlwaysAccepts(t *testing.T) {
	r := newTestRegistry(t)
	key := testKey(t, "extend")
	spec, err := NewSpec(100*time.Millisecond, ExtendOnAcquire)
	if err != nil {
		t.Fatalf("NewSpec: %v", err)
	}

	for i := 0; i < 3; i++ {
		acq, err := r.Acquire(key, spec)
		if err != nil {
			t.Fatalf("Acquire iteration %d: %v", i, err)
		}
		if !acq.Accepted {
			t.Fatalf("expected ExtendOnAcquire to always accept, iteration %d", i)
		}
		time.Sleep(30 * time.Millisecond)
	}
}

// Scenario 6.
func TestLinkAliasesShareASlot(t *testing.T) {
	r := newTestRegistry(t)
	primary := testKey(t, "primary")
	alias := testKey(t, "alias")

	if err := r.Link(primary, alias); err != nil {
		t.Fatalf("Link: %v", err)
	}

	spec, err := NewSpec(500*time.Millisecond, ExtendOnAcquire)
	if err != nil {
		t.Fatalf("NewSpec: %v", err)
	}

	acq, err := r.Acquire(alias, spec)
	if err != nil || !acq.Accepted {
		t.Fatalf("Acquire(alias): accepted=%v err=%v", acq.Accepted, err)
	}

	remaining, ok := r.Remaining(primary)
	if !ok || remaining <= 0 || remaining > spec.Window {
		t.Fatalf("expected primary to reflect alias's acquire, got remaining=%s ok=%v", remaining, ok)
	}

	r.Clear(primary)
	if _, ok := r.Remaining(alias); ok {
		t.Fatalf("expected Clear(primary) to also clear alias's shared slot")
	}
}

func TestDrainOnceRemovesOnlyExpiredEntries(t *testing.T) {
	r := newTestRegistry(t)
	r.PauseReaper()

	shortKey := testKey(t, "short")
	longKey := testKey(t, "long")
	shortSpec, _ := NewSpec(10*time.Millisecond, RejectWhileActive)
	longSpec, _ := NewSpec(time.Hour, RejectWhileActive)

	if _, err := r.Acquire(shortKey, shortSpec); err != nil {
		t.Fatalf("Acquire short: %v", err)
	}
	if _, err := r.Acquire(longKey, longSpec); err != nil {
		t.Fatalf("Acquire long: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	removed, err := r.DrainOnce(10)
	if err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected exactly 1 expired entry drained, got %d", removed)
	}
	if r.TrackedCount() != 1 {
		t.Fatalf("expected long-lived entry to remain tracked, count=%d", r.TrackedCount())
	}
}

func TestDrainOnceRejectsNegativeBatch(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.DrainOnce(-1); !IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument error, got %v", err)
	}
}

func TestReaperRemovesExpiredEntriesInBackground(t *testing.T) {
	r := newTestRegistry(t)
	key := testKey(t, "reaper")
	spec, _ := NewSpec(30*time.Millisecond, RejectWhileActive)

	if _, err := r.Acquire(key, spec); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if r.TrackedCount() != 1 {
		t.Fatalf("expected 1 tracked entry, got %d", r.TrackedCount())
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.TrackedCount() == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected reaper to remove expired entry within deadline")
}

func TestNewSpecRejectsNonPositiveWindow(t *testing.T) {
	if _, err := NewSpec(0, RejectWhileActive); !IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument for zero window, got %v", err)
	}
	if _, err := NewSpec(-time.Second, RejectWhileActive); !IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument for negative window, got %v", err)
	}
}

func TestNewKeyRejectsBlankNamespaceOrName(t *testing.T) {
	if _, err := NewKey("", "name", uuid.New(), ""); !IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument for blank namespace, got %v", err)
	}
	if _, err := NewKey("ns", "  ", uuid.New(), ""); !IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument for blank name, got %v", err)
	}
}
