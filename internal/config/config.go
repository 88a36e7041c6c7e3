package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kinloop/quota-engine/internal/rules"
)

type Config struct {
	Server    ServerConfig           `json:"server"`
	Database  DatabaseConfig         `json:"database"`
	Redis     RedisConfig            `json:"redis"`
	Auth      AuthConfig             `json:"auth"`
	Telemetry TelemetryConfig        `json:"telemetry"`
	Rules     []rules.Rule           `json:"rules"`
	Tiers     []rules.TierMultiplier `json:"tiers"`
}

type ServerConfig struct {
	Port        string `json:"port"`
	Environment string `json:"environment"`
}

type DatabaseConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
}

type TelemetryConfig struct {
	RetentionDays int `json:"retention_days"`
}

func (r RedisConfig) GetRedisAddr() string {
	return r.Host + ":" + r.Port
}

func Load(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	config.applyEnv()
	config.applyDefaults()

	if config.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required (config or DATABASE_DSN)")
	}

	return &config, nil
}

// Environment variables win over the file so deployments can keep secrets
// out of config.json.
func (c *Config) applyEnv() {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Port = port
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Environment == "" {
		c.Server.Environment = "development"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == "" {
		c.Redis.Port = "6379"
	}
	if c.Telemetry.RetentionDays <= 0 {
		c.Telemetry.RetentionDays = 30
	}
	if len(c.Rules) == 0 {
		c.Rules = rules.DefaultRules()
	}
	if len(c.Tiers) == 0 {
		c.Tiers = rules.DefaultTiers()
	}
}
