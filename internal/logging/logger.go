package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"thermoscan/internal/config"
)

// New builds the process logger: colored human-readable output for dev,
// JSON for prod (scraped by the same Loki the readings go to).
func New(cfg config.Config, version string, appName string) *slog.Logger {
	if cfg.AppEnv == "dev" {
		h := tint.NewHandler(os.Stderr, &tint.Options{
			Level:      cfg.LogLevel,
			TimeFormat: time.Kitchen,
		})
		return slog.New(h).With("app", appName)
	}

	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})
	return slog.New(h).With(
		"app", appName,
		"version", version,
		"house", cfg.HouseLabel,
	)
}
