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

// Package reminder drives the automatic follow-up cadence for unresolved
// packets: periodic scans pick up packets whose next reminder is due, send
// an escalating SMS nudge, and reschedule or stop after the cap. An SMS
// delivery failure is recorded but still advances the counter, so a broken
// gateway can never turn the cadence into a spam loop.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/claimhawk/esign/internal/audit"
	"github.com/claimhawk/esign/internal/packet"
	"github.com/claimhawk/esign/internal/sms"
)

// ErrReminderExhausted means a manual trigger was refused because the
// packet has already received the maximum number of reminders.
var ErrReminderExhausted = errors.New("reminder cadence exhausted")

// PacketStore is the persistence surface the scheduler needs.
// Implemented by packet.Store.
type PacketStore interface {
	ListDueReminders(ctx context.Context, now time.Time, maxReminders, limit int) ([]packet.Packet, error)
	Get(ctx context.Context, id string) (*packet.Packet, error)
	AdvanceReminder(ctx context.Context, id string, fromCount int, next *time.Time, at time.Time) (bool, error)
	MarkExpired(ctx context.Context, id string) error
}

// Sender delivers one SMS. Implemented by sms.Client.
type Sender interface {
	Send(ctx context.Context, phoneNumber, messageBody, leadID string) (sms.SendResult, error)
}

// EventLog is the append-only ledger surface. Implemented by audit.Log.
type EventLog interface {
	Append(ctx context.Context, packetID string, t audit.EventType, data map[string]any, source string) error
}

// Report summarises one scan.
type Report struct {
	Scanned int
	Sent    int
	Skipped int
	Failed  int
	Elapsed time.Duration
}

// Config holds the scheduler's dependencies and cadence settings.
type Config struct {
	Store    PacketStore
	Sender   Sender
	Events   EventLog
	Schedule string          // cron expression for the periodic scan
	Cadence  []time.Duration // delay after the Nth reminder; last entry repeats
	Max      int             // reminders per packet before escalation review
	Batch    int             // packets per scan
}

// Scheduler runs the reminder cadence.
type Scheduler struct {
	store    PacketStore
	sender   Sender
	events   EventLog
	schedule string
	cadence  []time.Duration
	max      int
	batch    int
	cron     *cron.Cron
}

// NewScheduler creates a scheduler. Zero-value cadence settings fall back
// to a 24h-then-48h cadence, three reminders, batches of 50, scans every
// fifteen minutes.
func NewScheduler(cfg Config) *Scheduler {
	cadence := cfg.Cadence
	if len(cadence) == 0 {
		cadence = []time.Duration{24 * time.Hour, 48 * time.Hour}
	}
	max := cfg.Max
	if max <= 0 {
		max = 3
	}
	batch := cfg.Batch
	if batch <= 0 {
		batch = 50
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "*/15 * * * *"
	}
	return &Scheduler{
		store:    cfg.Store,
		sender:   cfg.Sender,
		events:   cfg.Events,
		schedule: schedule,
		cadence:  cadence,
		max:      max,
		batch:    batch,
	}
}

// Start begins periodic scans. The context bounds each scan, not the cron
// runner; call Stop on shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.schedule, func() {
		report, err := s.Scan(ctx)
		if err != nil {
			slog.Error("reminder scan failed", "error", err)
			return
		}
		slog.Info("reminder scan complete",
			"scanned", report.Scanned,
			"sent", report.Sent,
			"skipped", report.Skipped,
			"failed", report.Failed,
			"elapsed", report.Elapsed,
		)
	})
	if err != nil {
		return fmt.Errorf("schedule reminder scan %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	slog.Info("reminder scheduler started", "schedule", s.schedule, "max_reminders", s.max)
	return nil
}

// Stop halts the periodic scans, waiting for a running scan to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Scan processes one batch of due reminders. Each packet is re-fetched
// before sending so a signature or void that landed after the list query
// is respected.
func (s *Scheduler) Scan(ctx context.Context) (*Report, error) {
	start := time.Now()
	now := start.UTC()

	due, err := s.store.ListDueReminders(ctx, now, s.max, s.batch)
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}

	report := &Report{Scanned: len(due)}
	for i := range due {
		switch sent, err := s.remind(ctx, due[i].ID, now); {
		case err != nil:
			slog.Error("reminder failed", "packet_id", due[i].ID, "error", err)
			report.Failed++
		case sent:
			report.Sent++
		default:
			report.Skipped++
		}
	}

	report.Elapsed = time.Since(start)
	return report, nil
}

// TriggerPacket sends one reminder immediately, outside the cadence scan.
// Refused once the cadence is exhausted or the packet is resolved.
func (s *Scheduler) TriggerPacket(ctx context.Context, packetID string) error {
	p, err := s.store.Get(ctx, packetID)
	if err != nil {
		return err
	}
	if p.Resolved() {
		return fmt.Errorf("%w: packet is %s", packet.ErrInvalidTransition, p.Status)
	}
	if p.ReminderCount >= s.max {
		return ErrReminderExhausted
	}
	sent, err := s.remind(ctx, packetID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !sent {
		return fmt.Errorf("%w: packet no longer eligible", packet.ErrInvalidTransition)
	}
	return nil
}

// remind re-checks one packet and sends its next reminder. Returns false
// without error when the packet is no longer eligible — resolved, expired,
// or already advanced by a concurrent scan.
func (s *Scheduler) remind(ctx context.Context, packetID string, now time.Time) (bool, error) {
	p, err := s.store.Get(ctx, packetID)
	if err != nil {
		return false, err
	}

	if p.Resolved() || p.EscalatedAt != nil || p.ReminderCount >= s.max {
		return false, nil
	}
	if p.LinkExpired(now) {
		if err := s.store.MarkExpired(ctx, p.ID); err != nil {
			return false, fmt.Errorf("expire packet: %w", err)
		}
		if err := s.events.Append(ctx, p.ID, audit.EventExpired, map[string]any{
			"detected": "scan",
		}, "scheduler"); err != nil {
			slog.Error("failed to append EXPIRED event", "packet_id", p.ID, "error", err)
		}
		return false, nil
	}

	number := p.ReminderCount + 1
	body := s.messageFor(p, number)

	result, sendErr := s.sender.Send(ctx, p.ClientPhone, body, p.LeadID)
	if sendErr != nil {
		slog.Error("reminder sms failed",
			"packet_id", p.ID,
			"lead_id", p.LeadID,
			"reminder_number", number,
			"error", sendErr,
		)
	}

	// Advance even when the send failed; a dead gateway must not cause the
	// same packet to be retried on every scan forever.
	advanced, err := s.store.AdvanceReminder(ctx, p.ID, p.ReminderCount, s.nextAfter(number, now), now)
	if err != nil {
		return false, fmt.Errorf("advance reminder: %w", err)
	}
	if !advanced {
		return false, nil
	}

	data := map[string]any{
		"reminder_number": number,
		"sms_sent":        result.Success,
		"message_preview": preview(body, 80),
	}
	if result.ProviderMessageID != "" {
		data["provider_message_id"] = result.ProviderMessageID
	}
	if result.Error != "" {
		data["sms_error"] = result.Error
	}
	if err := s.events.Append(ctx, p.ID, audit.EventReminderSent, data, "scheduler"); err != nil {
		slog.Error("failed to append REMINDER_SENT event", "packet_id", p.ID, "error", err)
	}

	if !result.Success {
		return false, fmt.Errorf("sms delivery failed: %s", result.Error)
	}
	return true, nil
}

// nextAfter returns when the following reminder is due, given that
// reminder number n was just sent. Nil once the cadence is exhausted.
func (s *Scheduler) nextAfter(n int, now time.Time) *time.Time {
	if n >= s.max {
		return nil
	}
	idx := n - 1
	if idx >= len(s.cadence) {
		idx = len(s.cadence) - 1
	}
	next := now.Add(s.cadence[idx])
	return &next
}

// messageFor builds the nudge text. Tone escalates with the reminder
// number; the final reminder says so.
func (s *Scheduler) messageFor(p *packet.Packet, number int) string {
	link := ""
	for _, d := range p.Documents {
		if d.SignedAt == nil {
			link = d.SigningLink
			break
		}
	}

	name := p.ClientName
	if name == "" {
		name = "there"
	}

	switch {
	case number <= 1:
		return fmt.Sprintf("Hi %s, your agreement is ready to sign. It only takes a minute: %s", name, link)
	case number < s.max:
		return fmt.Sprintf("Hi %s, just a reminder that your agreement is still waiting for your signature: %s", name, link)
	default:
		return fmt.Sprintf("Hi %s, final reminder: your signing link will expire soon. Please sign here: %s", name, link)
	}
}

// preview truncates a message for the event ledger.
func preview(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
