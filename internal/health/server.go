package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"thermoscan/internal/pipeline"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

type Response struct {
	Status     Status            `json:"status"`
	Components []ComponentHealth `json:"components"`
	Pipeline   *pipeline.Stats   `json:"pipeline,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

type Checker interface {
	Name() string
	Check(ctx context.Context) (Status, string)
}

// Server exposes liveness, readiness and component health for the
// gateway. Operational plumbing only; readings are never queryable here.
type Server struct {
	log      *slog.Logger
	address  string
	server   *http.Server
	stats    func() pipeline.Stats
	mu       sync.RWMutex
	checkers []Checker
}

func NewServer(log *slog.Logger, address string, stats func() pipeline.Stats) *Server {
	return &Server{
		log:     log,
		address: address,
		stats:   stats,
	}
}

func (s *Server) AddChecker(c Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers = append(s.checkers, c)
}

func (s *Server) Start() error {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/live", s.handleLive)

	s.server = &http.Server{
		Addr:         s.address,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.log.Info("starting health server", slog.String("address", s.address))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("health server error", slog.Any("error", err))
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	checkers := make([]Checker, len(s.checkers))
	copy(checkers, s.checkers)
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := Response{
		Status:     StatusHealthy,
		Components: make([]ComponentHealth, 0, len(checkers)),
		Timestamp:  time.Now().UTC(),
	}
	if s.stats != nil {
		st := s.stats()
		resp.Pipeline = &st
	}

	for _, c := range checkers {
		status, message := c.Check(ctx)
		resp.Components = append(resp.Components, ComponentHealth{
			Name:    c.Name(),
			Status:  status,
			Message: message,
		})

		if status == StatusUnhealthy {
			resp.Status = StatusUnhealthy
		} else if status == StatusDegraded && resp.Status == StatusHealthy {
			resp.Status = StatusDegraded
		}
	}

	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// SinkChecker reports the remote sink's reachability as degraded rather
// than unhealthy; the gateway keeps scanning and retrying regardless.
type SinkChecker struct {
	healthFunc func(ctx context.Context) error
}

func NewSinkChecker(healthFunc func(ctx context.Context) error) *SinkChecker {
	return &SinkChecker{healthFunc: healthFunc}
}

func (c *SinkChecker) Name() string { return "loki" }

func (c *SinkChecker) Check(ctx context.Context) (Status, string) {
	if err := c.healthFunc(ctx); err != nil {
		return StatusDegraded, err.Error()
	}
	return StatusHealthy, ""
}

// ScannerChecker degrades when the radio has been silent for too long.
// Silence is a valid state (no devices in range), so it never reports
// unhealthy.
type ScannerChecker struct {
	lastSeen func() time.Time
	maxAge   time.Duration
}

func NewScannerChecker(lastSeen func() time.Time, maxAge time.Duration) *ScannerChecker {
	return &ScannerChecker{lastSeen: lastSeen, maxAge: maxAge}
}

func (c *ScannerChecker) Name() string { return "scanner" }

func (c *ScannerChecker) Check(_ context.Context) (Status, string) {
	last := c.lastSeen()
	if last.IsZero() {
		return StatusDegraded, "no advertisements seen yet"
	}
	if age := time.Since(last); age > c.maxAge {
		return StatusDegraded, "last advertisement " + age.Round(time.Second).String() + " ago"
	}
	return StatusHealthy, ""
}
