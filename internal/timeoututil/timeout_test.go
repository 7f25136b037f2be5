package timeoututil

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func TestDeadlineExpiry(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	d := SetSeconds(clk, 10)

	if d.Expired(clk) {
		t.Fatalf("deadline expired immediately")
	}

	clk.now = clk.now.Add(9 * time.Second)
	if d.Expired(clk) {
		t.Fatalf("deadline expired early")
	}

	clk.now = clk.now.Add(2 * time.Second)
	if !d.Expired(clk) {
		t.Fatalf("deadline did not expire")
	}
}

func TestInRangeUnsigned(t *testing.T) {
	tests := []struct {
		v, lo, hi uint32
		want      bool
	}{
		{1, 1, 3600, true},
		{3600, 1, 3600, true},
		{0, 1, 3600, false},
		{3601, 1, 3600, false},
	}

	for _, tt := range tests {
		if got := InRangeUnsigned(tt.v, tt.lo, tt.hi); got != tt.want {
			t.Errorf("InRangeUnsigned(%d,%d,%d) = %v, want %v", tt.v, tt.lo, tt.hi, got, tt.want)
		}
	}
}
