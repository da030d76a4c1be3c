package controller

import (
	"testing"
	"time"
)

// After N consecutive unchanged cycles the sleep equals base * 2^(N-1).
func TestBackoff_DoublesPerUnchangedCycle(t *testing.T) {
	b := NewBackoff(time.Minute)

	want := []time.Duration{
		1 * time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
	}
	for n, expected := range want {
		if got := b.Next(); got != expected {
			t.Errorf("sleep after %d unchanged cycles = %v, want %v", n+1, got, expected)
		}
	}
}

func TestBackoff_ResetReturnsToBase(t *testing.T) {
	b := NewBackoff(time.Minute)
	b.Next()
	b.Next()
	b.Next()

	b.Reset()
	if got := b.Next(); got != time.Minute {
		t.Errorf("sleep after reset = %v, want base %v", got, time.Minute)
	}
}

func TestBackoff_CapsAtMax(t *testing.T) {
	b := NewBackoff(time.Minute)
	for i := 0; i < 20; i++ {
		b.Next()
	}
	if got := b.Next(); got != 32*time.Minute {
		t.Errorf("backoff = %v, want ceiling %v", got, 32*time.Minute)
	}
}
