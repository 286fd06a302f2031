package retry

import (
	"testing"
	"time"
)

func TestBackoff_GrowsExponentially(t *testing.T) {
	cfg := Config{InitialWait: time.Second, MaxWait: time.Hour, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_CapsAtMaxWait(t *testing.T) {
	cfg := Config{InitialWait: time.Second, MaxWait: 4 * time.Second, Multiplier: 2}
	if got := cfg.Backoff(10); got > 4*time.Second {
		t.Errorf("Backoff(10) = %v, exceeds cap", got)
	}
}

func TestBackoff_NegativeAttemptClamped(t *testing.T) {
	cfg := Config{InitialWait: time.Second, MaxWait: time.Minute, Multiplier: 2}
	if got := cfg.Backoff(-3); got != time.Second {
		t.Errorf("Backoff(-3) = %v, want %v", got, time.Second)
	}
}

func TestBackoff_JitterStaysWithinBounds(t *testing.T) {
	cfg := Config{InitialWait: time.Second, MaxWait: time.Minute, Multiplier: 2, Jitter: 0.25}
	for i := 0; i < 100; i++ {
		got := cfg.Backoff(0)
		if got < 750*time.Millisecond || got > 1250*time.Millisecond {
			t.Fatalf("Backoff(0) = %v, outside jitter bounds", got)
		}
	}
}

func TestBackoff_FullJitterNonNegative(t *testing.T) {
	cfg := Config{InitialWait: time.Millisecond, MaxWait: time.Second, Multiplier: 2, Jitter: 1}
	for i := 0; i < 100; i++ {
		if cfg.Backoff(0) < 0 {
			t.Fatal("negative backoff")
		}
	}
}
