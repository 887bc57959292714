package webhook

import (
	"strings"
	"testing"
)

func TestNormalizeEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "job.completed", want: EventJobCompleted},
		{in: "job.succeeded", want: EventJobCompleted},
		{in: "job.failed", want: EventJobFailed},
		{in: "job.started", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := NormalizeEvent(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeEvent(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("NormalizeEvent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewSubscription(t *testing.T) {
	t.Parallel()

	t.Run("defaults to all terminal events", func(t *testing.T) {
		t.Parallel()

		sub, err := NewSubscription("https://example.com/hook", nil, "")
		if err != nil {
			t.Fatalf("NewSubscription: %v", err)
		}
		if !sub.Active {
			t.Fatal("expected new subscription to be active")
		}
		if !sub.Subscribed(EventJobCompleted) || !sub.Subscribed(EventJobFailed) {
			t.Fatalf("expected both terminal events, got %v", sub.Events)
		}
		if !strings.HasPrefix(sub.Secret, "whsec_") {
			t.Fatalf("expected generated secret, got %q", sub.Secret)
		}
	})

	t.Run("normalizes succeeded alias", func(t *testing.T) {
		t.Parallel()

		sub, err := NewSubscription("https://example.com/hook", []string{"job.succeeded"}, "s")
		if err != nil {
			t.Fatalf("NewSubscription: %v", err)
		}
		if !sub.Subscribed(EventJobCompleted) {
			t.Fatalf("expected alias to normalize, got %v", sub.Events)
		}
		if sub.Subscribed(EventJobFailed) {
			t.Fatal("did not subscribe to failures")
		}
	})

	t.Run("rejects unknown events", func(t *testing.T) {
		t.Parallel()

		if _, err := NewSubscription("https://example.com/hook", []string{"job.paused"}, "s"); err == nil {
			t.Fatal("expected error for unknown event")
		}
	})

	t.Run("requires a url", func(t *testing.T) {
		t.Parallel()

		if _, err := NewSubscription("", nil, "s"); err == nil {
			t.Fatal("expected error for empty url")
		}
	})

	t.Run("keeps a caller supplied secret", func(t *testing.T) {
		t.Parallel()

		sub, err := NewSubscription("https://example.com/hook", nil, "whsec_mine")
		if err != nil {
			t.Fatalf("NewSubscription: %v", err)
		}
		if sub.Secret != "whsec_mine" {
			t.Fatalf("expected caller secret, got %q", sub.Secret)
		}
	})
}
