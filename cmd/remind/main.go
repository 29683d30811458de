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

// ClaimHawk E-Sign — Reminder Command
//
// Standalone CLI tool that runs one reminder scan, or sends a reminder to
// one specific packet, outside the server's periodic schedule. Intended for
// operations work: re-driving reminders after an SMS gateway outage, or
// nudging a single signer on request.
//
// Usage:
//
//	go run ./cmd/remind/ [--packet <packet-id>] [--limit 50]
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claimhawk/esign/internal/audit"
	"github.com/claimhawk/esign/internal/config"
	"github.com/claimhawk/esign/internal/packet"
	"github.com/claimhawk/esign/internal/reminder"
	"github.com/claimhawk/esign/internal/sms"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	packetFlag := flag.String("packet", "", "Send one reminder to this packet id (optional; empty = full scan)")
	limitFlag := flag.Int("limit", 0, "Packets per scan (optional; defaults to the configured batch size)")
	flag.Parse()

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if !cfg.SMS.Enabled() {
		slog.Error("sms gateway not configured — nothing to send")
		os.Exit(1)
	}

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

	// --- SMS Client ---
	sender := sms.NewClient(ctx, sms.Config{
		TokenURL:     cfg.SMS.TokenURL,
		ClientID:     cfg.SMS.ClientID,
		ClientSecret: cfg.SMS.ClientSecret,
		BaseURL:      cfg.SMS.BaseURL,
		From:         cfg.SMS.From,
	})

	batch := cfg.ReminderBatch
	if *limitFlag > 0 {
		batch = *limitFlag
	}

	scheduler := reminder.NewScheduler(reminder.Config{
		Store:   packetStore,
		Sender:  sender,
		Events:  eventLog,
		Cadence: cfg.ReminderCadence,
		Max:     cfg.ReminderMax,
		Batch:   batch,
	})

	// --- Single Packet ---
	if *packetFlag != "" {
		if err := scheduler.TriggerPacket(ctx, *packetFlag); err != nil {
			slog.Error("reminder failed", "packet_id", *packetFlag, "error", err)
			os.Exit(1)
		}
		slog.Info("reminder sent", "packet_id", *packetFlag)
		return
	}

	// --- Full Scan ---
	report, err := scheduler.Scan(ctx)
	if err != nil {
		slog.Error("reminder scan failed", "error", err)
		os.Exit(1)
	}

	slog.Info("reminder scan complete",
		"scanned", report.Scanned,
		"sent", report.Sent,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"elapsed", report.Elapsed,
	)
}
