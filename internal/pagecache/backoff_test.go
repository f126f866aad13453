package pagecache

import (
	"testing"
	"time"
)

func TestCalculateRetryAfter(t *testing.T) {
	tests := []struct {
		streak int
		want   time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{50, time.Minute},
	}
	for _, tt := range tests {
		if got := CalculateRetryAfter(tt.streak); got != tt.want {
			t.Errorf("CalculateRetryAfter(%d) = %v, want %v", tt.streak, got, tt.want)
		}
	}
}
