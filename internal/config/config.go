package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Lichess   LichessConfig   `yaml:"lichess"`
	Lightning LightningConfig `yaml:"lightning"`
	External  ExternalConfig  `yaml:"external"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// LichessConfig points at the external game service.
type LichessConfig struct {
	BaseURL string `yaml:"base_url"`
}

// LightningConfig points at the payment gateway (LND REST).
type LightningConfig struct {
	BaseURL  string `yaml:"base_url"`
	Macaroon string `yaml:"macaroon"`
}

// ExternalConfig bounds every outbound call. A hung game-service or gateway
// call would otherwise hold a balance-row lock indefinitely.
type ExternalConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the external-call deadline, defaulting to 15s.
func (e ExternalConfig) Timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override secrets from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if mac := os.Getenv("LND_MACAROON"); mac != "" {
		cfg.Lightning.Macaroon = mac
	}
	return &cfg, nil
}
