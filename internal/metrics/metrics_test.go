package metrics

import "testing"

func TestNewRegistersEveryMetricWithoutPanicking(t *testing.T) {
	r := New()
	r.LocksAcquired.WithLabelValues("granted").Inc()
	r.RecoveryEntries.WithLabelValues("completed").Add(2)
	r.CheckpointMark.WithLabelValues("1").Set(42)
	r.ShardUp.WithLabelValues("2").Set(1)
	r.WriteDuration.Observe(0.01)

	if r.Handler() == nil {
		t.Fatal("expected a non-nil metrics HTTP handler")
	}
}
