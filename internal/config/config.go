package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultSystemPrompt = "You are a helpful assistant. Keep answers short and direct."

// Config contains all runtime settings for the broker.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	Namespace     string
	TransportMode string
	MQTTURL       string
	MQTTQoS       int
	MQTTClientID  string
	WSURL         string

	Workers    int
	QueueDepth int
	ScanDepth  int

	MaxTurns         int
	MaxHistoryTokens int
	SystemPrompt     string

	EngineMode   string
	EngineURL    string
	EngineModel  string
	GenTimeout   time.Duration
	MaxGenTokens int
	Temperature  float64
	TopP         float64

	RetryMax  int
	RetryBase time.Duration
	RetryCap  time.Duration

	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration
	StatsInterval      time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("BROKER_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("BROKER_METRICS_NAMESPACE", "llamabroker"),
		LogLevel:           envOrDefault("BROKER_LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("BROKER_LOG_FORMAT", "console"),
		Namespace:          envOrDefault("BROKER_NAMESPACE", "llama"),
		TransportMode:      envOrDefault("BROKER_TRANSPORT", "mqtt"),
		MQTTURL:            envOrDefault("BROKER_MQTT_URL", "tcp://127.0.0.1:1883"),
		MQTTQoS:            1,
		MQTTClientID:       stringsTrimSpace("BROKER_MQTT_CLIENT_ID"),
		WSURL:              stringsTrimSpace("BROKER_WS_URL"),
		Workers:            4,
		QueueDepth:         100,
		ScanDepth:          32,
		MaxTurns:           12,
		MaxHistoryTokens:   3500,
		SystemPrompt:       envOrDefault("BROKER_SYSTEM_PROMPT", defaultSystemPrompt),
		EngineMode:         envOrDefault("BROKER_ENGINE_MODE", "auto"),
		EngineURL:          stringsTrimSpace("BROKER_ENGINE_URL"),
		EngineModel:        stringsTrimSpace("BROKER_ENGINE_MODEL"),
		GenTimeout:         30 * time.Second,
		MaxGenTokens:       512,
		Temperature:        0.7,
		TopP:               0.9,
		RetryMax:           3,
		RetryBase:          200 * time.Millisecond,
		RetryCap:           5 * time.Second,
		SessionIdleTimeout: 10 * time.Minute,
		SweepInterval:      30 * time.Second,
		StatsInterval:      time.Minute,
		ShutdownTimeout:    15 * time.Second,
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
	}

	var err error
	if cfg.MQTTQoS, err = intFromEnv("BROKER_MQTT_QOS", cfg.MQTTQoS); err != nil {
		return Config{}, err
	}
	if cfg.Workers, err = intFromEnv("BROKER_WORKERS", cfg.Workers); err != nil {
		return Config{}, err
	}
	if cfg.QueueDepth, err = intFromEnv("BROKER_QUEUE_DEPTH", cfg.QueueDepth); err != nil {
		return Config{}, err
	}
	if cfg.ScanDepth, err = intFromEnv("BROKER_SCAN_DEPTH", cfg.ScanDepth); err != nil {
		return Config{}, err
	}
	if cfg.MaxTurns, err = intFromEnv("BROKER_MAX_TURNS", cfg.MaxTurns); err != nil {
		return Config{}, err
	}
	if cfg.MaxHistoryTokens, err = intFromEnv("BROKER_MAX_HISTORY_TOKENS", cfg.MaxHistoryTokens); err != nil {
		return Config{}, err
	}
	if cfg.MaxGenTokens, err = intFromEnv("BROKER_MAX_GEN_TOKENS", cfg.MaxGenTokens); err != nil {
		return Config{}, err
	}
	if cfg.RetryMax, err = intFromEnv("BROKER_RETRY_MAX", cfg.RetryMax); err != nil {
		return Config{}, err
	}
	if cfg.GenTimeout, err = durationFromEnv("BROKER_GEN_TIMEOUT", cfg.GenTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RetryBase, err = durationFromEnv("BROKER_RETRY_BASE", cfg.RetryBase); err != nil {
		return Config{}, err
	}
	if cfg.RetryCap, err = durationFromEnv("BROKER_RETRY_CAP", cfg.RetryCap); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTimeout, err = durationFromEnv("BROKER_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = durationFromEnv("BROKER_SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.StatsInterval, err = durationFromEnv("BROKER_STATS_INTERVAL", cfg.StatsInterval); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = durationFromEnv("BROKER_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Temperature, err = floatFromEnv("BROKER_TEMPERATURE", cfg.Temperature); err != nil {
		return Config{}, err
	}
	if cfg.TopP, err = floatFromEnv("BROKER_TOP_P", cfg.TopP); err != nil {
		return Config{}, err
	}

	if cfg.Namespace == "" || strings.Contains(cfg.Namespace, "/") {
		return Config{}, fmt.Errorf("BROKER_NAMESPACE must be a non-empty single topic segment")
	}
	if cfg.MQTTQoS < 0 || cfg.MQTTQoS > 2 {
		return Config{}, fmt.Errorf("BROKER_MQTT_QOS must be 0, 1 or 2")
	}
	if cfg.Workers < 1 {
		return Config{}, fmt.Errorf("BROKER_WORKERS must be at least 1")
	}
	if cfg.QueueDepth < cfg.Workers {
		return Config{}, fmt.Errorf("BROKER_QUEUE_DEPTH must be at least the worker count")
	}
	if cfg.ScanDepth < 0 {
		return Config{}, fmt.Errorf("BROKER_SCAN_DEPTH must be >= 0 (0 scans the whole queue)")
	}
	if cfg.MaxTurns < 2 {
		return Config{}, fmt.Errorf("BROKER_MAX_TURNS must be at least 2")
	}
	if cfg.MaxHistoryTokens <= 0 {
		return Config{}, fmt.Errorf("BROKER_MAX_HISTORY_TOKENS must be positive")
	}
	if cfg.GenTimeout < time.Second {
		return Config{}, fmt.Errorf("BROKER_GEN_TIMEOUT must be at least 1s")
	}
	if cfg.MaxGenTokens <= 0 {
		return Config{}, fmt.Errorf("BROKER_MAX_GEN_TOKENS must be positive")
	}
	if cfg.RetryMax < 1 {
		return Config{}, fmt.Errorf("BROKER_RETRY_MAX must be at least 1")
	}
	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("BROKER_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("BROKER_SWEEP_INTERVAL must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
