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

// Package audit provides the append-only agreement event ledger. One event
// is recorded per meaningful action on a packet; events are never updated
// or deleted, and this package exposes no operation that could. The ledger
// is the sole mechanism for reconstructing what happened and when during
// dispute or compliance review.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType classifies an agreement event.
type EventType string

const (
	EventSent         EventType = "SENT"
	EventViewed       EventType = "VIEWED"
	EventReminderSent EventType = "REMINDER_SENT"
	EventSigned       EventType = "SIGNED"
	EventDeclined     EventType = "DECLINED"
	EventVoided       EventType = "VOIDED"
	EventExpired      EventType = "EXPIRED"
	EventResent       EventType = "RESENT"
	EventEscalated    EventType = "ESCALATED"
)

// Event is one entry in a packet's history. Ordering is (CreatedAt, ID).
type Event struct {
	ID        int64
	PacketID  string
	Type      EventType
	Data      map[string]any
	Source    string
	CreatedAt time.Time
}

// Log is the Postgres-backed append-only event ledger.
type Log struct {
	pool *pgxpool.Pool
}

// NewLog creates the event ledger and ensures its table exists.
func NewLog(ctx context.Context, pool *pgxpool.Pool) (*Log, error) {
	l := &Log{pool: pool}
	if err := l.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure agreement_events schema: %w", err)
	}
	slog.Info("agreement event log initialised")
	return l, nil
}

func (l *Log) ensureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS agreement_events (
			id         BIGSERIAL PRIMARY KEY,
			packet_id  UUID NOT NULL,
			event_type TEXT NOT NULL,
			event_data JSONB NOT NULL DEFAULT '{}',
			source     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_events_packet ON agreement_events(packet_id, created_at, id);
	`)
	return err
}

// Append records one event for a packet.
func (l *Log) Append(ctx context.Context, packetID string, t EventType, data map[string]any, source string) error {
	payload, err := marshalData(data)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO agreement_events (packet_id, event_type, event_data, source)
		VALUES ($1, $2, $3, $4)
	`, packetID, string(t), payload, source)
	if err != nil {
		return fmt.Errorf("append %s event: %w", t, err)
	}
	return nil
}

// AppendTx records one event within an existing transaction, so a status
// change and its event commit as a single unit.
func (l *Log) AppendTx(ctx context.Context, tx pgx.Tx, packetID string, t EventType, data map[string]any, source string) error {
	payload, err := marshalData(data)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO agreement_events (packet_id, event_type, event_data, source)
		VALUES ($1, $2, $3, $4)
	`, packetID, string(t), payload, source)
	if err != nil {
		return fmt.Errorf("append %s event: %w", t, err)
	}
	return nil
}

// ListByPacket returns a packet's full history in insertion order.
func (l *Log) ListByPacket(ctx context.Context, packetID string) ([]Event, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, packet_id, event_type, event_data, source, created_at
		FROM agreement_events
		WHERE packet_id = $1
		ORDER BY created_at, id
	`, packetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			typ     string
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.PacketID, &typ, &payload, &e.Source, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Data); err != nil {
				return nil, fmt.Errorf("decode event %d data: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func marshalData(data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	return payload, nil
}
