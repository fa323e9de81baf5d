package yeelight

import (
	"testing"
	"time"
)

func TestBackoff_Sequence(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 2)

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}

	for i, want := range expected {
		if got := b.Next(); got != want {
			t.Errorf("Next() #%d = %v, want %v", i, got, want)
		}
	}
}

func TestBackoff_ResetReturnsToFloor(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 2)
	b.Next()
	b.Next()
	b.Next()

	if got := b.Current(); got != 8*time.Second {
		t.Fatalf("Current() = %v, want %v", got, 8*time.Second)
	}

	b.Reset()

	if got := b.Next(); got != time.Second {
		t.Errorf("Next() after Reset = %v, want %v", got, time.Second)
	}
	if got := b.Next(); got != 2*time.Second {
		t.Errorf("second Next() after Reset = %v, want %v", got, 2*time.Second)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	tests := []struct {
		name       string
		min, max   time.Duration
		multiplier float64
		first      time.Duration
		second     time.Duration
	}{
		{name: "zero_min", min: 0, max: 10 * time.Second, multiplier: 2, first: time.Second, second: 2 * time.Second},
		{name: "max_below_min", min: 2 * time.Second, max: time.Second, multiplier: 2, first: 2 * time.Second, second: 2 * time.Second},
		{name: "multiplier_one", min: time.Second, max: 10 * time.Second, multiplier: 1, first: time.Second, second: 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackoff(tt.min, tt.max, tt.multiplier)
			if got := b.Next(); got != tt.first {
				t.Errorf("first Next() = %v, want %v", got, tt.first)
			}
			if got := b.Next(); got != tt.second {
				t.Errorf("second Next() = %v, want %v", got, tt.second)
			}
		})
	}
}
