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

// ClaimHawk E-Sign Service
//
// Entry point for the e-signature service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Wires the token codec, packet issuer, signature intake, and
//     notification fan-out
//  4. Starts the reminder scheduler
//  5. Serves the signer and dashboard HTTP endpoints
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/claimhawk/esign/internal/api"
	"github.com/claimhawk/esign/internal/audit"
	"github.com/claimhawk/esign/internal/config"
	"github.com/claimhawk/esign/internal/dedup"
	"github.com/claimhawk/esign/internal/identity"
	"github.com/claimhawk/esign/internal/notify"
	"github.com/claimhawk/esign/internal/packet"
	"github.com/claimhawk/esign/internal/reminder"
	"github.com/claimhawk/esign/internal/signature"
	"github.com/claimhawk/esign/internal/sms"
	"github.com/claimhawk/esign/internal/token"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting ClaimHawk e-sign service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"token_ttl", cfg.TokenTTL,
		"reminder_schedule", cfg.ReminderSchedule,
		"reminder_max", cfg.ReminderMax,
		"sms_enabled", cfg.SMS.Enabled(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	publisher := notify.NewPublisher(rdb, cfg.FollowupQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- View Throttle ---
	filter := dedup.NewFilter(rdb)

	// --- Stores ---
	packetStore, err := packet.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise packet store", "error", err)
		os.Exit(1)
	}

	eventLog, err := audit.NewLog(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise event log", "error", err)
		os.Exit(1)
	}

	signatureStore, err := signature.NewStore(ctx, pgPool, packetStore, eventLog)
	if err != nil {
		slog.Error("failed to initialise signature store", "error", err)
		os.Exit(1)
	}

	resolver := identity.NewResolver(pgPool)

	// --- Token Codec ---
	codec, err := token.NewCodec([]byte(cfg.SigningSecret), cfg.TokenTTL)
	if err != nil {
		slog.Error("failed to initialise token codec", "error", err)
		os.Exit(1)
	}

	// --- Outbound SMS ---
	var sender reminder.Sender
	if cfg.SMS.Enabled() {
		sender = sms.NewClient(ctx, sms.Config{
			TokenURL:     cfg.SMS.TokenURL,
			ClientID:     cfg.SMS.ClientID,
			ClientSecret: cfg.SMS.ClientSecret,
			BaseURL:      cfg.SMS.BaseURL,
			From:         cfg.SMS.From,
		})
	} else {
		slog.Warn("sms gateway not configured, reminders will be recorded but not delivered")
		sender = noopSender{}
	}

	// --- Notification Fan-out ---
	dispatcher := notify.NewDispatcher(cfg.WebhookURL, cfg.WebhookTimeout, publisher)

	// --- Packet Issuer ---
	issuer := packet.NewIssuer(packet.IssuerConfig{
		Codec:      codec,
		Store:      packetStore,
		Events:     eventLog,
		BaseURL:    cfg.BaseURL,
		FirstDelay: cfg.ReminderCadence[0],
	})

	// --- Signature Intake ---
	intake := signature.NewService(signature.ServiceConfig{
		Codec:    codec,
		Store:    signatureStore,
		Identity: resolver,
		Notifier: dispatcher,
		Throttle: filter,
	})

	// --- Reminder Scheduler ---
	scheduler := reminder.NewScheduler(reminder.Config{
		Store:    packetStore,
		Sender:   sender,
		Events:   eventLog,
		Schedule: cfg.ReminderSchedule,
		Cadence:  cfg.ReminderCadence,
		Max:      cfg.ReminderMax,
		Batch:    cfg.ReminderBatch,
	})
	if err := scheduler.Start(ctx); err != nil {
		slog.Error("failed to start reminder scheduler", "error", err)
		os.Exit(1)
	}

	// --- HTTP Server ---
	handler := api.NewHandler(api.HandlerConfig{
		Intake:      intake,
		Issuer:      issuer,
		Packets:     packetStore,
		Events:      eventLog,
		Reminders:   scheduler,
		DB:          pgPool,
		Queue:       publisher,
		ReminderMax: cfg.ReminderMax,
	})

	ready, err := api.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start api server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("e-sign service ready", "port", cfg.Port)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel()
	scheduler.Stop()
	rdb.Close()

	slog.Info("e-sign service stopped")
}

// noopSender stands in when no SMS gateway is configured.
type noopSender struct{}

func (noopSender) Send(_ context.Context, phone, _, leadID string) (sms.SendResult, error) {
	slog.Info("sms suppressed, gateway not configured", "lead_id", leadID, "phone", phone)
	return sms.SendResult{Success: false, Error: "sms gateway not configured"}, nil
}
