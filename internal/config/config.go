package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// LabelMap maps device addresses to room labels. Env format:
// "A4:C1:38:AA:BB:CC=bedroom,A4:C1:38:00:11:22=kitchen".
type LabelMap map[string]string

func (m *LabelMap) SetValue(s string) error {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		addr, label, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(addr) == "" || strings.TrimSpace(label) == "" {
			return fmt.Errorf("invalid device label %q (want addr=label)", pair)
		}
		out[strings.TrimSpace(addr)] = strings.TrimSpace(label)
	}
	*m = out
	return nil
}

// VendorID is the 2-byte manufacturer-data header of the supported
// thermometer model, given as 4 hex digits (e.g. "88EC").
type VendorID [2]byte

func (v *VendorID) SetValue(s string) error {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid vendor id %q: %w", s, err)
	}
	if len(b) != 2 {
		return fmt.Errorf("invalid vendor id %q: want 2 bytes, got %d", s, len(b))
	}
	copy(v[:], b)
	return nil
}

type Config struct {
	AppEnv      string `env:"APP_ENV" env-default:"dev"`
	LogLevelStr string `env:"LOG_LEVEL" env-default:"info"`
	LogLevel    slog.Level

	LokiURL      string        `env:"LOKI_URL"`
	LokiToken    string        `env:"LOKI_TOKEN"`
	LokiUsername string        `env:"LOKI_USERNAME"`
	LokiPassword string        `env:"LOKI_PASSWORD"`
	HouseLabel   string        `env:"LOKI_HOUSE_LABEL" env-default:"home"`
	LokiTimeout  time.Duration `env:"LOKI_TIMEOUT" env-default:"10s"`

	RetryMaxAttempts  int           `env:"RETRY_MAX_ATTEMPTS" env-default:"5"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" env-default:"1s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" env-default:"30s"`

	BLEAdapter   string   `env:"BLE_ADAPTER" env-default:"hci0"`
	BLECompanyID uint16   `env:"BLE_COMPANY_ID" env-default:"0"`
	VendorID     VendorID `env:"VENDOR_ID" env-default:"88EC"`
	DeviceLabels LabelMap `env:"DEVICE_LABELS"`

	MinEmitInterval  time.Duration `env:"MIN_EMIT_INTERVAL" env-default:"30s"`
	FlushInterval    time.Duration `env:"FLUSH_INTERVAL" env-default:"10s"`
	FlushMaxReadings int           `env:"FLUSH_MAX_READINGS" env-default:"50"`
	DeliveryTimeout  time.Duration `env:"DELIVERY_TIMEOUT" env-default:"90s"`

	MQTTBroker   string `env:"MQTT_BROKER"`
	MQTTPort     int    `env:"MQTT_PORT" env-default:"1883"`
	MQTTClientID string `env:"MQTT_CLIENT_ID" env-default:"thermoscan"`

	HealthAddr string `env:"HEALTH_ADDR" env-default:":8086"`
}

// LoadFromEnv reads and validates the configuration. Any error here is
// startup-fatal; nothing starts scanning on a half-valid config.
func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, err
	}

	switch cfg.AppEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", cfg.AppEnv)
	}

	level, err := parseLogLevel(cfg.LogLevelStr)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	if strings.TrimSpace(cfg.LokiURL) == "" {
		return Config{}, fmt.Errorf("LOKI_URL is required")
	}
	if cfg.LokiUsername != "" && cfg.LokiPassword == "" {
		return Config{}, fmt.Errorf("LOKI_PASSWORD is required when LOKI_USERNAME is set")
	}
	if cfg.LokiToken != "" && cfg.LokiUsername != "" {
		return Config{}, fmt.Errorf("LOKI_TOKEN and LOKI_USERNAME are mutually exclusive")
	}

	for name, d := range map[string]time.Duration{
		"LOKI_TIMEOUT":      cfg.LokiTimeout,
		"MIN_EMIT_INTERVAL": cfg.MinEmitInterval,
		"FLUSH_INTERVAL":    cfg.FlushInterval,
		"DELIVERY_TIMEOUT":  cfg.DeliveryTimeout,
	} {
		if d <= 0 {
			return Config{}, fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if cfg.RetryMaxAttempts < 1 {
		return Config{}, fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.FlushMaxReadings < 1 {
		return Config{}, fmt.Errorf("FLUSH_MAX_READINGS must be at least 1, got %d", cfg.FlushMaxReadings)
	}

	return cfg, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
