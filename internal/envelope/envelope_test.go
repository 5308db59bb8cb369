package envelope

import "testing"

func TestIsBroadcast(t *testing.T) {
	e := New("ping", "serverA", nil, nil, nil)
	if !e.IsBroadcast() {
		t.Fatalf("expected envelope with nil target to be a broadcast")
	}

	target := "serverB"
	direct := New("ping", "serverA", &target, nil, nil)
	if direct.IsBroadcast() {
		t.Fatalf("expected envelope with target to not be a broadcast")
	}
}

func TestIsResponseTo(t *testing.T) {
	corr := "req-123"
	e := New("rpc.echo.reply", "serverB", nil, nil, &corr)
	if !e.IsResponseTo("req-123") {
		t.Fatalf("expected envelope to be a response to req-123")
	}
	if e.IsResponseTo("other") {
		t.Fatalf("did not expect envelope to be a response to a different correlation id")
	}

	withoutCorr := New("ping", "serverA", nil, nil, nil)
	if withoutCorr.IsResponseTo("req-123") {
		t.Fatalf("envelope without correlation id must never match")
	}
}

func TestTarget(t *testing.T) {
	target := "serverB"
	e := New("ping", "serverA", &target, nil, nil)
	got, ok := e.Target()
	if !ok || got != "serverB" {
		t.Fatalf("expected target serverB, got %q ok=%v", got, ok)
	}

	broadcast := New("ping", "serverA", nil, nil, nil)
	if _, ok := broadcast.Target(); ok {
		t.Fatalf("expected no target for broadcast envelope")
	}
}

func TestIDsAreUnique(t *testing.T) {
	a := New("ping", "serverA", nil, nil, nil)
	b := New("ping", "serverA", nil, nil, nil)
	if a.ID == b.ID {
		t.Fatalf("expected distinct envelope ids, got %q twice", a.ID)
	}
}
