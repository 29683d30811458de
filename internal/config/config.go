// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SMSConfig holds the SMS gateway credentials.
type SMSConfig struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	BaseURL      string `yaml:"base_url"`
	From         string `yaml:"from"`
}

// Enabled reports whether enough of the gateway config is present to send.
func (c SMSConfig) Enabled() bool {
	return c.TokenURL != "" && c.ClientID != "" && c.ClientSecret != "" && c.BaseURL != ""
}

// Config holds all configuration for the e-sign service.
type Config struct {
	// Postgres
	DatabaseURL string

	// Redis
	RedisURL      string
	FollowupQueue string

	// Server
	Port    int
	BaseURL string // public base for signing links

	// Signing tokens
	SigningSecret string
	TokenTTL      time.Duration

	// Reminder cadence
	ReminderSchedule string
	ReminderCadence  []time.Duration
	ReminderMax      int
	ReminderBatch    int

	// Outbound
	SMS            SMSConfig
	WebhookURL     string
	WebhookTimeout time.Duration
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Followups string `yaml:"followups"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Signing struct {
		Secret  string `yaml:"secret"`
		BaseURL string `yaml:"base_url"`
		TTL     string `yaml:"ttl"`
	} `yaml:"signing"`
	Reminders struct {
		Schedule string   `yaml:"schedule"`
		Cadence  []string `yaml:"cadence"`
		Max      int      `yaml:"max"`
		Batch    int      `yaml:"batch"`
	} `yaml:"reminders"`
	SMS     SMSConfig `yaml:"sms"`
	Webhook struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"webhook"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings. A missing config file is not
// an error — everything can come from the environment.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	case os.IsNotExist(err):
		// Environment-only deployment.
	default:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	cfg := &Config{
		DatabaseURL:   firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/esign")),
		RedisURL:      firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		FollowupQueue: firstNonEmpty(raw.Redis.Queues.Followups, envOrDefault("FOLLOWUP_QUEUE", "followups")),
		Port:          envOrDefaultInt("PORT", 8080),
		BaseURL:       firstNonEmpty(raw.Signing.BaseURL, envOrDefault("SIGNING_BASE_URL", "http://localhost:8080")),

		SigningSecret: firstNonEmpty(raw.Signing.Secret, os.Getenv("SIGNING_SECRET")),
		TokenTTL:      parseDuration(firstNonEmpty(raw.Signing.TTL, os.Getenv("TOKEN_TTL")), 720*time.Hour),

		ReminderSchedule: firstNonEmpty(raw.Reminders.Schedule, envOrDefault("REMINDER_SCHEDULE", "*/15 * * * *")),
		ReminderMax:      firstPositive(raw.Reminders.Max, envOrDefaultInt("REMINDER_MAX", 3)),
		ReminderBatch:    firstPositive(raw.Reminders.Batch, envOrDefaultInt("REMINDER_BATCH", 50)),

		SMS:            raw.SMS,
		WebhookURL:     firstNonEmpty(raw.Webhook.URL, os.Getenv("SIGNED_WEBHOOK_URL")),
		WebhookTimeout: parseDuration(firstNonEmpty(raw.Webhook.Timeout, os.Getenv("SIGNED_WEBHOOK_TIMEOUT")), 5*time.Second),
	}

	for _, c := range raw.Reminders.Cadence {
		d, err := time.ParseDuration(c)
		if err != nil {
			return nil, fmt.Errorf("parse reminder cadence %q: %w", c, err)
		}
		cfg.ReminderCadence = append(cfg.ReminderCadence, d)
	}
	if len(cfg.ReminderCadence) == 0 {
		cfg.ReminderCadence = []time.Duration{24 * time.Hour, 48 * time.Hour}
	}

	if cfg.SigningSecret == "" {
		return nil, fmt.Errorf("signing secret not configured — set SIGNING_SECRET or signing.secret in config.yaml")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	if v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
