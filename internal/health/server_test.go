package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"thermoscan/internal/pipeline"
)

func TestHandleHealth(t *testing.T) {
	t.Run("healthy with stats", func(t *testing.T) {
		s := NewServer(slog.Default(), ":0", func() pipeline.Stats {
			return pipeline.Stats{Received: 7, Emitted: 3}
		})
		s.AddChecker(NewSinkChecker(func(ctx context.Context) error { return nil }))

		w := httptest.NewRecorder()
		s.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}

		var resp Response
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("body is not valid JSON: %v", err)
		}
		if resp.Status != StatusHealthy {
			t.Errorf("status = %q, want healthy", resp.Status)
		}
		if resp.Pipeline == nil || resp.Pipeline.Received != 7 {
			t.Errorf("pipeline stats missing or wrong: %+v", resp.Pipeline)
		}
	})

	t.Run("degraded sink stays 200", func(t *testing.T) {
		s := NewServer(slog.Default(), ":0", nil)
		s.AddChecker(NewSinkChecker(func(ctx context.Context) error {
			return errors.New("connection refused")
		}))

		w := httptest.NewRecorder()
		s.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d (degraded is not unhealthy)", w.Code, http.StatusOK)
		}

		var resp Response
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("body is not valid JSON: %v", err)
		}
		if resp.Status != StatusDegraded {
			t.Errorf("status = %q, want degraded", resp.Status)
		}
	})
}

func TestScannerChecker(t *testing.T) {
	tests := []struct {
		name     string
		lastSeen time.Time
		want     Status
	}{
		{name: "never seen", lastSeen: time.Time{}, want: StatusDegraded},
		{name: "recent", lastSeen: time.Now(), want: StatusHealthy},
		{name: "stale", lastSeen: time.Now().Add(-time.Hour), want: StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewScannerChecker(func() time.Time { return tt.lastSeen }, 5*time.Minute)
			got, _ := c.Check(context.Background())
			if got != tt.want {
				t.Errorf("Check() = %q, want %q", got, tt.want)
			}
		})
	}
}
