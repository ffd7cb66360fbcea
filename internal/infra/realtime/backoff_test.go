package realtime

import (
	"testing"
	"time"
)

func TestBackoffDelaysAreNonDecreasing(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond}
	want := []time.Duration{100, 200, 400, 800, 1600}
	for i, w := range want {
		if got := b.Delay(i); got != w*time.Millisecond {
			t.Fatalf("Delay(%d) = %v, want %v", i, got, w*time.Millisecond)
		}
		if i > 0 && b.Delay(i) < b.Delay(i-1) {
			t.Fatalf("delay decreased at %d", i)
		}
	}
}

func TestBackoffCap(t *testing.T) {
	cases := []struct {
		max  int
		want int
	}{
		{max: 0, want: 5},
		{max: 3, want: 3},
		{max: 9, want: 5},
	}
	for _, tc := range cases {
		b := Backoff{MaxAttempts: tc.max}
		if b.Exhausted(tc.want - 1) {
			t.Fatalf("max %d: attempt %d should be allowed", tc.max, tc.want-1)
		}
		if !b.Exhausted(tc.want) {
			t.Fatalf("max %d: attempt %d should be exhausted", tc.max, tc.want)
		}
	}
}
