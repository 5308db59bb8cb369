package metrics

import "testing"

func TestDefaultReturnsSingleton(t *testing.T) {
	ResetForTesting()
	a := Default()
	b := Default()
	if a != b {
		t.Fatalf("expected Default() to return the same instance")
	}
}

func TestCountersAreUsable(t *testing.T) {
	ResetForTesting()
	reg := Default()

	reg.EnvelopesPublished.WithLabelValues("broadcast").Inc()
	reg.EnvelopesDropped.WithLabelValues("decode_error").Inc()
	reg.CooldownAcquired.WithLabelValues("reject-while-active").Inc()
	reg.CooldownTracked.Set(3)
	reg.RequestLatency.Observe(0.01)
}
