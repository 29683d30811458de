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

package signature

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claimhawk/esign/internal/audit"
	"github.com/claimhawk/esign/internal/packet"
)

// uniqueViolation is the Postgres error code raised when the
// (lead_id, agreement_type) constraint rejects a duplicate signature.
const uniqueViolation = "23505"

// PostgresStore persists signed agreements and composes the packet store
// and event ledger so a signature commits atomically: audit record, packet
// advance, and SIGNED event all land in one transaction or none do.
type PostgresStore struct {
	pool    *pgxpool.Pool
	packets *packet.Store
	events  *audit.Log
}

// NewStore creates the signature store and ensures the signed_agreements
// table exists. The unique constraint on (lead_id, agreement_type) is the
// at-most-one-signature guarantee.
func NewStore(ctx context.Context, pool *pgxpool.Pool, packets *packet.Store, events *audit.Log) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool, packets: packets, events: events}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure signed_agreements schema: %w", err)
	}
	slog.Info("signature store initialised")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS signed_agreements (
			id              UUID PRIMARY KEY,
			lead_id         TEXT NOT NULL,
			agreement_type  TEXT NOT NULL,
			packet_id       UUID NOT NULL,
			typed_name      TEXT NOT NULL,
			signature_image TEXT NOT NULL,
			consent_given   BOOLEAN NOT NULL,
			consent_text    TEXT NOT NULL DEFAULT '',
			ip_address      TEXT NOT NULL DEFAULT '',
			user_agent      TEXT NOT NULL DEFAULT '',
			screen_size     TEXT NOT NULL DEFAULT '',
			timezone        TEXT NOT NULL DEFAULT '',
			signed_at       TIMESTAMPTZ NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(lead_id, agreement_type)
		);
		CREATE INDEX IF NOT EXISTS idx_signed_packet ON signed_agreements(packet_id);
	`)
	return err
}

// PacketByDocument resolves a verified token back to its packet.
func (s *PostgresStore) PacketByDocument(ctx context.Context, leadID string, at packet.AgreementType) (*packet.Packet, error) {
	return s.packets.GetByDocument(ctx, leadID, at)
}

// AlreadySigned reports whether a signed agreement exists for this
// (lead, agreement type). Advisory only; RecordSignature enforces it.
func (s *PostgresStore) AlreadySigned(ctx context.Context, leadID string, at packet.AgreementType) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM signed_agreements
			WHERE lead_id = $1 AND agreement_type = $2
		)
	`, leadID, string(at)).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// MarkViewed advances SENT → VIEWED and appends a VIEWED event when the
// transition actually happened.
func (s *PostgresStore) MarkViewed(ctx context.Context, packetID string) (bool, error) {
	changed, err := s.packets.MarkViewed(ctx, packetID)
	if err != nil || !changed {
		return changed, err
	}
	if err := s.events.Append(ctx, packetID, audit.EventViewed, nil, "signer"); err != nil {
		slog.Error("failed to append VIEWED event", "packet_id", packetID, "error", err)
	}
	return true, nil
}

// MarkExpired records lazy expiry and its EXPIRED event.
func (s *PostgresStore) MarkExpired(ctx context.Context, packetID string) error {
	if err := s.packets.MarkExpired(ctx, packetID); err != nil {
		return err
	}
	if err := s.events.Append(ctx, packetID, audit.EventExpired, map[string]any{
		"detected": "lazy",
	}, "system"); err != nil {
		slog.Error("failed to append EXPIRED event", "packet_id", packetID, "error", err)
	}
	return nil
}

// RecordSignature commits one signature atomically: insert the audit
// record, stamp the document, advance the packet, append the SIGNED event.
// A duplicate submission — concurrent or retried — fails on the unique
// constraint and surfaces as ErrAlreadySigned, leaving the first signature
// untouched.
func (s *PostgresStore) RecordSignature(ctx context.Context, rec *Record) (*Outcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin signature tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO signed_agreements
			(id, lead_id, agreement_type, packet_id, typed_name, signature_image,
			 consent_given, consent_text, ip_address, user_agent, screen_size,
			 timezone, signed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, rec.ID, rec.LeadID, string(rec.AgreementType), rec.PacketID,
		rec.TypedName, rec.SignatureImage, rec.ConsentGiven, rec.ConsentText,
		rec.IPAddress, rec.UserAgent, rec.ScreenSize, rec.Timezone, rec.SignedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrAlreadySigned
		}
		return nil, fmt.Errorf("insert signed agreement: %w", err)
	}

	status, err := s.packets.SignDocumentTx(ctx, tx, rec.PacketID, rec.AgreementType, rec.SignedAt)
	if err != nil {
		return nil, err
	}

	err = s.events.AppendTx(ctx, tx, rec.PacketID, audit.EventSigned, map[string]any{
		"agreement_id":   rec.ID,
		"agreement_type": string(rec.AgreementType),
		"typed_name":     rec.TypedName,
		"ip_address":     rec.IPAddress,
	}, "signer")
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit signature tx: %w", err)
	}

	return &Outcome{PacketStatus: status}, nil
}
