package backoff

import (
	"testing"
	"time"
)

func TestDelay_FirstRetries(t *testing.T) {
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, 750 * time.Millisecond},
		{3, 1125 * time.Millisecond},
		{4, 1688 * time.Millisecond}, // round(1687.5)
	}

	for _, tc := range cases {
		got := Delay(tc.retryCount)
		if got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.retryCount, got, tc.want)
		}
	}
}

func TestDelay_Monotonic(t *testing.T) {
	prev := Delay(1)
	for n := 2; n <= 10; n++ {
		d := Delay(n)
		if d <= prev {
			t.Errorf("Delay(%d) = %v should be greater than Delay(%d) = %v", n, d, n-1, prev)
		}
		prev = d
	}
}

func TestDelay_ZeroAndNegativeClampToFirst(t *testing.T) {
	if Delay(0) != Delay(1) {
		t.Errorf("Delay(0) = %v, want %v", Delay(0), Delay(1))
	}
	if Delay(-5) != Delay(1) {
		t.Errorf("Delay(-5) = %v, want %v", Delay(-5), Delay(1))
	}
}

func TestExceedsLimit(t *testing.T) {
	// retryCount — число уже сделанных retry; limit 10 допускает
	// попытки с retryCount 0..9
	if ExceedsLimit(0, 10) {
		t.Error("first retry should be allowed")
	}
	if ExceedsLimit(8, 10) {
		t.Error("ninth retry should be allowed")
	}
	if ExceedsLimit(9, 10) {
		t.Error("tenth retry should be allowed")
	}
	if !ExceedsLimit(10, 10) {
		t.Error("eleventh retry should exceed the limit")
	}
}
