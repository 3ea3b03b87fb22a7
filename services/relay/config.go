// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/ledger"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/session"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid relay configuration")

// Config is the complete relay configuration.
//
// # Description
//
// Values are layered: DefaultConfig, then an optional YAML file, then
// environment variables (RELAY_*). A later layer only overrides the fields
// it sets. Durations use Go syntax ("5s", "1m30s").
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"RELAY_"`
	Bridge    BridgeConfig    `yaml:"bridge" envPrefix:"RELAY_BRIDGE_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"RELAY_STORAGE_"`
	Session   SessionConfig   `yaml:"session" envPrefix:"RELAY_SESSION_"`
	Ledger    LedgerConfig    `yaml:"ledger" envPrefix:"RELAY_LEDGER_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"RELAY_OTEL_"`
	Log       LogConfig       `yaml:"log" envPrefix:"RELAY_LOG_"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	// ListenAddr is host:port. Default: ":3000".
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`

	// APIKey enables bearer-token auth when non-empty.
	APIKey string `yaml:"api_key" env:"API_KEY"`

	// GinMode is "debug", "release" or "test". Default: "release".
	GinMode string `yaml:"gin_mode" env:"GIN_MODE"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// BridgeConfig locates the protocol bridge.
type BridgeConfig struct {
	// URL is the bridge websocket root, e.g. "ws://localhost:7070".
	URL   string `yaml:"url" env:"URL"`
	Token string `yaml:"token" env:"TOKEN"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	CommandTimeout   time.Duration `yaml:"command_timeout" env:"COMMAND_TIMEOUT"`

	// PingInterval is the keep-alive period. Negative disables pings.
	PingInterval time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
}

// StorageConfig configures the Badger database.
type StorageConfig struct {
	// Path is the database directory. "~" expands to the home directory.
	Path string `yaml:"path" env:"PATH"`

	// InMemory keeps everything in memory. For development only.
	InMemory   bool `yaml:"in_memory" env:"IN_MEMORY"`
	SyncWrites bool `yaml:"sync_writes" env:"SYNC_WRITES"`

	GCInterval     time.Duration `yaml:"gc_interval" env:"GC_INTERVAL"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" env:"GC_DISCARD_RATIO"`
}

// SessionConfig tunes the session registry.
type SessionConfig struct {
	ArtifactTimeout     time.Duration `yaml:"artifact_timeout" env:"ARTIFACT_TIMEOUT"`
	RetryDelay          time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	TeardownTimeout     time.Duration `yaml:"teardown_timeout" env:"TEARDOWN_TIMEOUT"`
	DefaultCountryCode  string        `yaml:"default_country_code" env:"DEFAULT_COUNTRY_CODE"`
	AddressSuffix       string        `yaml:"address_suffix" env:"ADDRESS_SUFFIX"`
	QRImageSize         int           `yaml:"qr_image_size" env:"QR_IMAGE_SIZE"`
	RecoveryConcurrency int           `yaml:"recovery_concurrency" env:"RECOVERY_CONCURRENCY"`
	RecoveryRate        float64       `yaml:"recovery_rate" env:"RECOVERY_RATE"`
	RecoveryBurst       int           `yaml:"recovery_burst" env:"RECOVERY_BURST"`

	// SkipRecovery disables the boot-time recovery scan.
	SkipRecovery bool `yaml:"skip_recovery" env:"SKIP_RECOVERY"`
}

// LedgerConfig sets the reward rules.
type LedgerConfig struct {
	Reward       float64 `yaml:"reward" env:"REWARD"`
	DailyCap     int     `yaml:"daily_cap" env:"DAILY_CAP"`
	ReferralRate float64 `yaml:"referral_rate" env:"REFERRAL_RATE"`

	// TimeZone is an IANA zone name defining the calendar day.
	TimeZone string `yaml:"time_zone" env:"TIME_ZONE"`
}

// TelemetryConfig selects exporters.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" env:"SERVICE_NAME"`
	Environment    string  `yaml:"environment" env:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" env:"TRACE_EXPORTER"`
	MetricExporter string  `yaml:"metric_exporter" env:"METRIC_EXPORTER"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	OTLPInsecure   bool    `yaml:"otlp_insecure" env:"OTLP_INSECURE"`
	SampleRatio    float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	Dir   string `yaml:"dir" env:"DIR"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	tel := observability.DefaultTelemetryConfig()
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":3000",
			GinMode:         "release",
			ShutdownTimeout: 15 * time.Second,
		},
		Bridge: BridgeConfig{
			URL:              "ws://localhost:7070",
			HandshakeTimeout: 10 * time.Second,
			CommandTimeout:   15 * time.Second,
			PingInterval:     30 * time.Second,
		},
		Storage: StorageConfig{
			Path:           "~/.aleutian/relay/data",
			SyncWrites:     true,
			GCInterval:     10 * time.Minute,
			GCDiscardRatio: 0.5,
		},
		Session: SessionConfig{
			ArtifactTimeout:     session.DefaultArtifactTimeout,
			RetryDelay:          session.DefaultRetryDelay,
			TeardownTimeout:     session.DefaultTeardownTimeout,
			DefaultCountryCode:  session.DefaultCountryCode,
			AddressSuffix:       session.DefaultAddressSuffix,
			RecoveryConcurrency: session.DefaultRecoveryConcurrency,
			RecoveryRate:        session.DefaultRecoveryRate,
			RecoveryBurst:       session.DefaultRecoveryBurst,
		},
		Ledger: LedgerConfig{
			Reward:       ledger.DefaultReward,
			DailyCap:     ledger.DefaultDailyCap,
			ReferralRate: ledger.DefaultReferralRate,
			TimeZone:     "UTC",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    tel.ServiceName,
			Environment:    tel.Environment,
			TraceExporter:  tel.TraceExporter,
			MetricExporter: tel.MetricExporter,
			OTLPEndpoint:   tel.OTLPEndpoint,
			OTLPInsecure:   tel.OTLPInsecure,
			SampleRatio:    tel.SampleRatio,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig builds a Config from defaults, the YAML file at path (if
// non-empty) and the environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error

	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}

	u, err := url.Parse(c.Bridge.URL)
	switch {
	case c.Bridge.URL == "":
		errs = append(errs, errors.New("bridge.url is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("bridge.url: %w", err))
	case u.Scheme != "ws" && u.Scheme != "wss":
		errs = append(errs, fmt.Errorf("bridge.url scheme must be ws or wss, got %q", u.Scheme))
	}

	if !c.Storage.InMemory && c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required unless storage.in_memory is set"))
	}
	if c.Storage.GCDiscardRatio < 0 || c.Storage.GCDiscardRatio > 1 {
		errs = append(errs, errors.New("storage.gc_discard_ratio must be within [0,1]"))
	}

	if c.Ledger.Reward < 0 {
		errs = append(errs, errors.New("ledger.reward must not be negative"))
	}
	if c.Ledger.DailyCap < 0 {
		errs = append(errs, errors.New("ledger.daily_cap must not be negative"))
	}
	if c.Ledger.ReferralRate < 0 || c.Ledger.ReferralRate > 1 {
		errs = append(errs, errors.New("ledger.referral_rate must be within [0,1]"))
	}
	if _, err := c.location(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c Config) location() (*time.Location, error) {
	if c.Ledger.TimeZone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Ledger.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("ledger.time_zone: %w", err)
	}
	return loc, nil
}

func (c Config) sessionConfig() session.Config {
	s := c.Session
	return session.Config{
		ArtifactTimeout:     s.ArtifactTimeout,
		RetryDelay:          s.RetryDelay,
		TeardownTimeout:     s.TeardownTimeout,
		DefaultCountryCode:  s.DefaultCountryCode,
		AddressSuffix:       s.AddressSuffix,
		QRImageSize:         s.QRImageSize,
		RecoveryConcurrency: s.RecoveryConcurrency,
		RecoveryRate:        s.RecoveryRate,
		RecoveryBurst:       s.RecoveryBurst,
	}
}

// RewardRules returns the ledger rules with the time zone resolved.
func (c Config) RewardRules() (ledger.Config, error) {
	loc, err := c.location()
	if err != nil {
		return ledger.Config{}, err
	}
	return ledger.Config{
		Reward:       c.Ledger.Reward,
		DailyCap:     c.Ledger.DailyCap,
		ReferralRate: c.Ledger.ReferralRate,
		Location:     loc,
	}, nil
}

func (c Config) telemetryConfig() observability.TelemetryConfig {
	tel := observability.DefaultTelemetryConfig()
	tel.ServiceName = c.Telemetry.ServiceName
	tel.Environment = c.Telemetry.Environment
	tel.TraceExporter = c.Telemetry.TraceExporter
	tel.MetricExporter = c.Telemetry.MetricExporter
	tel.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	tel.OTLPInsecure = c.Telemetry.OTLPInsecure
	tel.SampleRatio = c.Telemetry.SampleRatio
	return tel
}

// LoggingConfig returns the pkg/logging configuration for service.
func (c Config) LoggingConfig(service string) logging.Config {
	return logging.Config{
		Level:   logging.ParseLevel(c.Log.Level),
		LogDir:  c.Log.Dir,
		Service: service,
		JSON:    c.Log.JSON,
	}
}
