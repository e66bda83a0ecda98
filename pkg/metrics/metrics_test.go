package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	if d := timer.Duration(); d < 20*time.Millisecond {
		t.Errorf("Duration() = %v, want >= 20ms", d)
	}
}

func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "test_phase_duration_seconds",
		Help:    "test",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDurationVec(vec, "db connect")

	var m dto.Metric
	h, err := vec.GetMetricWithLabelValues("db connect")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.(prometheus.Histogram).Write(&m); err != nil {
		t.Fatal(err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Fatalf("sample count = %d, want 1", got)
	}
	if got := m.GetHistogram().GetSampleSum(); got < 0.01 {
		t.Fatalf("sample sum = %v, want >= 0.01", got)
	}
}
