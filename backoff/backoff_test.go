package backoff

import (
	"testing"
	"time"
)

func TestConstant(t *testing.T) {
	t.Parallel()

	c := NewConstant(5 * time.Second)
	for _, attempt := range []int{1, 2, 10} {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want 5s", attempt, got)
		}
	}
}

func TestTableDelay(t *testing.T) {
	t.Parallel()

	tbl := NewTable(0, 30*time.Second, 2*time.Minute)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 0},
		{2, 30 * time.Second},
		{3, 2 * time.Minute},
		{4, 2 * time.Minute}, // clamped to last entry
		{0, 0},               // clamped to first entry
	}
	for _, tt := range tests {
		if got := tbl.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if got := tbl.Attempts(); got != 3 {
		t.Errorf("Attempts() = %d, want 3", got)
	}
}

func TestTableCumulative(t *testing.T) {
	t.Parallel()

	tbl := NewTable(0, 30*time.Second, 2*time.Minute, 10*time.Minute)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 0},
		{2, 30 * time.Second},
		{3, 2*time.Minute + 30*time.Second},
		{4, 12*time.Minute + 30*time.Second},
	}
	for _, tt := range tests {
		if got := tbl.Cumulative(tt.attempt); got != tt.want {
			t.Errorf("Cumulative(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNewTablePanicsOnEmpty(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for empty table")
		}
	}()
	NewTable()
}
