package probe

import (
	"testing"
	"time"
)

func TestClamp(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, MinChunkLimit},
		{5 * time.Second, MinChunkLimit},
		{10 * time.Second, 10 * time.Second},
		{90 * time.Second, 90 * time.Second},
		{5 * time.Minute, 5 * time.Minute},
		{20 * time.Minute, MaxChunkLimit},
	}

	for _, tc := range cases {
		if got := Clamp(tc.in); got != tc.want {
			t.Errorf("Clamp(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLimitsOrdering(t *testing.T) {
	if MinChunkLimit >= DefaultChunkLimit || DefaultChunkLimit >= MaxChunkLimit {
		t.Errorf("limits should be ordered: min %v < default %v < max %v",
			MinChunkLimit, DefaultChunkLimit, MaxChunkLimit)
	}
}
