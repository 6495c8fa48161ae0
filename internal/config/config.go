package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig captures all tunable parameters for the dispatch server.
// Defaults are overlaid by an optional YAML file (CONFIG_PATH) and then by
// environment variables, so the binary runs locally without setup.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisGeoKey   string `yaml:"redis_geo_key"`

	KafkaBrokers     []string `yaml:"kafka_brokers"`
	KafkaEventsTopic string   `yaml:"kafka_events_topic"`
	KafkaGarageTopic string   `yaml:"kafka_garage_topic"`

	PGDSN string `yaml:"pg_dsn"`

	DispatchDeadline    time.Duration `yaml:"dispatch_deadline"`
	GarageSearchRadiusM float64       `yaml:"garage_search_radius_m"`
	GarageLimit         int           `yaml:"garage_limit"`
	TypingTTL           time.Duration `yaml:"typing_ttl"`
	ChatHistoryLimit    int           `yaml:"chat_history_limit"`

	OSRMEndpoint    string        `yaml:"osrm_endpoint"`
	ETACacheTTL     time.Duration `yaml:"eta_cache_ttl"`
	DefaultSpeedMps float64       `yaml:"default_speed_mps"`
	TrailTTL        time.Duration `yaml:"trail_ttl"`

	StripeAPIKey string `yaml:"stripe_api_key"`

	LogLevel      string `yaml:"log_level"`
	RunMigrations bool   `yaml:"migrate"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "garages_geo",
		KafkaEventsTopic:    "dispatch-events",
		KafkaGarageTopic:    "garage-presence",
		DispatchDeadline:    2 * time.Minute,
		GarageSearchRadiusM: 10000,
		GarageLimit:         20,
		TypingTTL:           5 * time.Second,
		ChatHistoryLimit:    50,
		ETACacheTTL:         30 * time.Second,
		DefaultSpeedMps:     8,
		TrailTTL:            30 * 24 * time.Hour,
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("CONFIG_PATH")); path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return cfg, err
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaGarageTopic, "KAFKA_GARAGE_TOPIC")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")

	setDurationFromEnv(&cfg.DispatchDeadline, "DISPATCH_DEADLINE", &errs)
	setFloatFromEnv(&cfg.GarageSearchRadiusM, "GARAGE_SEARCH_RADIUS_M", &errs)
	setIntFromEnv(&cfg.GarageLimit, "GARAGE_LIMIT", &errs)
	setDurationFromEnv(&cfg.TypingTTL, "TYPING_TTL", &errs)
	setIntFromEnv(&cfg.ChatHistoryLimit, "CHAT_HISTORY_LIMIT", &errs)

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.TrailTTL, "TRAIL_TTL", &errs)

	setStringFromEnv(&cfg.StripeAPIKey, "STRIPE_API_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	if cfg.DispatchDeadline < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_DEADLINE must be >= 0"))
	}
	if cfg.GarageSearchRadiusM < 0 {
		errs = append(errs, fmt.Errorf("GARAGE_SEARCH_RADIUS_M must be >= 0"))
	}
	if cfg.TypingTTL <= 0 {
		errs = append(errs, fmt.Errorf("TYPING_TTL must be > 0"))
	}
	if cfg.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_SPEED_MPS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// loadFile overlays the YAML document at path onto cfg. Keys absent from
// the file keep their current values.
func loadFile(cfg *ServerConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
