package budget

import (
	"errors"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	cfg := Config{MaxTopics: Int(0)}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}

	cfg = Config{MaxTimeSeconds: Int64(-1)}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected time validation error")
	}

	cfg = Config{MaxTopics: Int(3), MaxIterations: Int(10)}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMergeClone(t *testing.T) {
	base := Config{MaxTopics: Int(10), MaxIterations: Int(50)}
	override := Config{MaxTopics: Int(3)}
	merged := Merge(base, override)
	if *merged.MaxTopics != 3 {
		t.Fatalf("expected override, got %d", *merged.MaxTopics)
	}
	if merged.MaxIterations == nil || *merged.MaxIterations != 50 {
		t.Fatalf("expected max iterations to persist")
	}
	*merged.MaxIterations = 1
	if *base.MaxIterations != 50 {
		t.Fatalf("merged config should be isolated from base")
	}
	if !(Config{}).IsZero() || merged.IsZero() {
		t.Fatalf("IsZero mismatch")
	}
}

func TestQueueCapacity(t *testing.T) {
	cfg := Config{MaxTopics: Int(3), MaxGapTopics: Int(2), MaxIterations: Int(4)}
	if got := cfg.QueueCapacity(); got != 11 {
		t.Fatalf("expected 11, got %d", got)
	}
	if got := (Config{MaxTopics: Int(5)}).QueueCapacity(); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}

func TestMonitorIterations(t *testing.T) {
	mon := NewMonitor(Config{MaxIterations: Int(2)})
	for i := 0; i < 2; i++ {
		if err := mon.CanIterate(); err != nil {
			t.Fatalf("iteration %d: unexpected error: %v", i, err)
		}
		mon.AddIteration(3)
	}
	err := mon.CanIterate()
	var exceeded ErrExceeded
	if !errors.As(err, &exceeded) || exceeded.Kind != "iterations" {
		t.Fatalf("expected iterations breach, got %v", err)
	}
	iterations, calls, _ := mon.Usage()
	if iterations != 2 || calls != 6 {
		t.Fatalf("unexpected usage %d/%d", iterations, calls)
	}
}

func TestMonitorTime(t *testing.T) {
	mon := NewMonitor(Config{MaxTimeSeconds: Int64(1)})
	start := mon.startTime
	mon.now = func() time.Time { return start.Add(500 * time.Millisecond) }
	if err := mon.CheckTime(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mon.now = func() time.Time { return start.Add(2 * time.Second) }
	if err := mon.CheckTime(); err == nil {
		t.Fatalf("expected time budget breach")
	}
}
