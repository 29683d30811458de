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

package packet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides Postgres-backed persistence for packets and their
// documents. Status transitions are enforced in SQL — every status UPDATE
// is guarded by the set of legal source statuses, so concurrent writers
// cannot move a packet out of a terminal state.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a packet store backed by the given Postgres pool.
// It ensures the packet tables exist on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure packet schema: %w", err)
	}
	slog.Info("packet store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS agreement_packets (
			id               UUID PRIMARY KEY,
			lead_id          TEXT NOT NULL,
			agreement_type   TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'DRAFT',
			client_name      TEXT NOT NULL DEFAULT '',
			client_phone     TEXT NOT NULL DEFAULT '',
			client_email     TEXT NOT NULL DEFAULT '',
			total_fee        NUMERIC(12,2) NOT NULL DEFAULT 0,
			reminder_count   INT NOT NULL DEFAULT 0,
			last_reminder_at TIMESTAMPTZ,
			next_reminder_at TIMESTAMPTZ,
			escalated_at     TIMESTAMPTZ,
			sent_at          TIMESTAMPTZ,
			signed_at        TIMESTAMPTZ,
			link_expires_at  TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS agreement_documents (
			id             BIGSERIAL PRIMARY KEY,
			packet_id      UUID NOT NULL REFERENCES agreement_packets(id),
			agreement_type TEXT NOT NULL,
			signing_link   TEXT NOT NULL DEFAULT '',
			signed_at      TIMESTAMPTZ,
			UNIQUE(packet_id, agreement_type)
		);
		CREATE INDEX IF NOT EXISTS idx_packets_lead ON agreement_packets(lead_id);
		CREATE INDEX IF NOT EXISTS idx_packets_status ON agreement_packets(status);
		CREATE INDEX IF NOT EXISTS idx_packets_next_reminder ON agreement_packets(next_reminder_at)
			WHERE next_reminder_at IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_documents_lead_lookup ON agreement_documents(agreement_type, packet_id);
	`)
	return err
}

const packetColumns = `
	id, lead_id, agreement_type, status,
	client_name, client_phone, client_email, total_fee,
	reminder_count, last_reminder_at, next_reminder_at, escalated_at,
	sent_at, signed_at, link_expires_at, created_at, updated_at`

// Create inserts a packet and its documents as one transaction.
func (s *Store) Create(ctx context.Context, p *Packet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create packet: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO agreement_packets
			(id, lead_id, agreement_type, status, client_name, client_phone,
			 client_email, total_fee, next_reminder_at, sent_at, link_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, p.ID, p.LeadID, string(p.AgreementType), string(p.Status),
		p.ClientName, p.ClientPhone, p.ClientEmail, p.TotalFee,
		p.NextReminderAt, p.SentAt, p.LinkExpiresAt)
	if err != nil {
		return fmt.Errorf("insert packet: %w", err)
	}

	for _, d := range p.Documents {
		_, err = tx.Exec(ctx, `
			INSERT INTO agreement_documents (packet_id, agreement_type, signing_link)
			VALUES ($1, $2, $3)
		`, p.ID, string(d.AgreementType), d.SigningLink)
		if err != nil {
			return fmt.Errorf("insert document %s: %w", d.AgreementType, err)
		}
	}

	return tx.Commit(ctx)
}

// Get retrieves a packet with its documents.
func (s *Store) Get(ctx context.Context, id string) (*Packet, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+packetColumns+` FROM agreement_packets WHERE id = $1`, id)
	p, err := scanPacket(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadDocuments(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetByDocument retrieves the most recent packet carrying a document of the
// given agreement type for a lead. This is how a verified token resolves
// back to its packet.
func (s *Store) GetByDocument(ctx context.Context, leadID string, at AgreementType) (*Packet, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+packetColumns+`
		FROM agreement_packets
		WHERE lead_id = $1
		  AND id IN (
			SELECT packet_id FROM agreement_documents WHERE agreement_type = $2
		  )
		ORDER BY created_at DESC
		LIMIT 1
	`, leadID, string(at))
	p, err := scanPacket(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadDocuments(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// transition moves a packet to a new status, allowing only legal source
// statuses. Extra SET clauses are appended verbatim.
func (s *Store) transition(ctx context.Context, id string, to Status, extraSet string) error {
	allowed := AllowedFrom(to)
	from := make([]string, len(allowed))
	for i, a := range allowed {
		from[i] = string(a)
	}

	set := `status = $1, updated_at = NOW()`
	if extraSet != "" {
		set += ", " + extraSet
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE agreement_packets
		SET `+set+`
		WHERE id = $2 AND status = ANY($3)
	`, string(to), id, from)
	if err != nil {
		return fmt.Errorf("transition packet to %s: %w", to, err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyTransitionFailure(ctx, id, to)
	}
	return nil
}

// classifyTransitionFailure distinguishes a missing packet from an illegal
// transition after a guarded UPDATE touched zero rows.
func (s *Store) classifyTransitionFailure(ctx context.Context, id string, to Status) error {
	var current string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM agreement_packets WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("check packet status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
}

// MarkViewed transitions SENT → VIEWED. Returns false without error when
// the packet is already VIEWED or further along — repeat opens are normal.
func (s *Store) MarkViewed(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agreement_packets
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, string(StatusViewed), id, string(StatusSent))
	if err != nil {
		return false, fmt.Errorf("mark packet viewed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkVoided cancels a packet. Disallowed once signed or otherwise resolved.
func (s *Store) MarkVoided(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusVoided, "")
}

// MarkDeclined records an explicit signer refusal.
func (s *Store) MarkDeclined(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusDeclined, "")
}

// MarkExpired records lazy expiry of an unresolved packet.
func (s *Store) MarkExpired(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusExpired, "")
}

// SignDocumentTx stamps one document as signed and advances the packet
// status inside the caller's transaction. The packet row is locked for the
// duration so concurrent submissions serialise here; the signed_agreements
// uniqueness constraint remains the authoritative duplicate guard.
func (s *Store) SignDocumentTx(ctx context.Context, tx pgx.Tx, packetID string, at AgreementType, when time.Time) (Status, error) {
	var current string
	err := tx.QueryRow(ctx, `
		SELECT status FROM agreement_packets WHERE id = $1 FOR UPDATE
	`, packetID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, packetID)
	}
	if err != nil {
		return "", fmt.Errorf("lock packet: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE agreement_documents
		SET signed_at = $1
		WHERE packet_id = $2 AND agreement_type = $3 AND signed_at IS NULL
	`, when, packetID, string(at))
	if err != nil {
		return "", fmt.Errorf("stamp document signed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("%w: document %s already signed", ErrInvalidTransition, at)
	}

	var remaining int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM agreement_documents
		WHERE packet_id = $1 AND signed_at IS NULL
	`, packetID).Scan(&remaining)
	if err != nil {
		return "", fmt.Errorf("count unsigned documents: %w", err)
	}

	next, err := SignOutcome(Status(current), remaining)
	if err != nil {
		return "", err
	}

	if next == StatusSigned {
		_, err = tx.Exec(ctx, `
			UPDATE agreement_packets
			SET status = $1, signed_at = $2, next_reminder_at = NULL, updated_at = NOW()
			WHERE id = $3
		`, string(next), when, packetID)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE agreement_packets
			SET status = $1, updated_at = NOW()
			WHERE id = $2
		`, string(next), packetID)
	}
	if err != nil {
		return "", fmt.Errorf("advance packet status: %w", err)
	}

	return next, nil
}

// SetLinks replaces the signing links after a resend re-mints tokens.
func (s *Store) SetLinks(ctx context.Context, packetID string, links map[AgreementType]string, expiresAt time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin set links: %w", err)
	}
	defer tx.Rollback(ctx)

	for at, link := range links {
		_, err = tx.Exec(ctx, `
			UPDATE agreement_documents
			SET signing_link = $1
			WHERE packet_id = $2 AND agreement_type = $3
		`, link, packetID, string(at))
		if err != nil {
			return fmt.Errorf("update link for %s: %w", at, err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE agreement_packets
		SET link_expires_at = $1, sent_at = NOW(), updated_at = NOW()
		WHERE id = $2
	`, expiresAt, packetID)
	if err != nil {
		return fmt.Errorf("update link expiry: %w", err)
	}

	return tx.Commit(ctx)
}

// ListDueReminders returns unresolved packets whose next reminder is due:
// out for signature, not escalated, under the reminder cap.
func (s *Store) ListDueReminders(ctx context.Context, now time.Time, maxReminders, limit int) ([]Packet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+packetColumns+`
		FROM agreement_packets
		WHERE status = ANY($1)
		  AND escalated_at IS NULL
		  AND reminder_count < $2
		  AND next_reminder_at IS NOT NULL
		  AND next_reminder_at <= $3
		ORDER BY next_reminder_at
		LIMIT $4
	`, []string{string(StatusSent), string(StatusViewed)}, maxReminders, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPackets(rows)
}

// AdvanceReminder bumps the reminder counter and cadence timestamps. The
// fromCount guard makes the update a no-op when a concurrent scan already
// advanced this packet; callers treat false as "skip".
func (s *Store) AdvanceReminder(ctx context.Context, id string, fromCount int, next *time.Time, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agreement_packets
		SET reminder_count = reminder_count + 1,
		    last_reminder_at = $1,
		    next_reminder_at = $2,
		    updated_at = NOW()
		WHERE id = $3 AND reminder_count = $4
	`, at, next, id, fromCount)
	if err != nil {
		return false, fmt.Errorf("advance reminder: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkEscalated stamps a packet as handed off to human review. Returns
// false when the packet is resolved or already escalated.
func (s *Store) MarkEscalated(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agreement_packets
		SET escalated_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND escalated_at IS NULL AND status = ANY($2)
	`, id, []string{string(StatusSent), string(StatusViewed), string(StatusPartiallySigned)})
	if err != nil {
		return false, fmt.Errorf("mark escalated: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListEscalationCandidates returns unresolved packets whose reminder
// cadence is exhausted and which no human has picked up yet.
func (s *Store) ListEscalationCandidates(ctx context.Context, maxReminders int) ([]Packet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+packetColumns+`
		FROM agreement_packets
		WHERE status = ANY($1)
		  AND escalated_at IS NULL
		  AND reminder_count >= $2
		ORDER BY last_reminder_at
	`, []string{string(StatusSent), string(StatusViewed)}, maxReminders)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPackets(rows)
}

func (s *Store) loadDocuments(ctx context.Context, p *Packet) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, packet_id, agreement_type, signing_link, signed_at
		FROM agreement_documents
		WHERE packet_id = $1
		ORDER BY id
	`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			d  Document
			at string
		)
		if err := rows.Scan(&d.ID, &d.PacketID, &at, &d.SigningLink, &d.SignedAt); err != nil {
			return err
		}
		d.AgreementType = AgreementType(at)
		p.Documents = append(p.Documents, d)
	}
	return rows.Err()
}

// scanPacket scans a single row into a Packet.
func scanPacket(row pgx.Row) (*Packet, error) {
	var (
		p      Packet
		at     string
		status string
	)
	err := row.Scan(
		&p.ID, &p.LeadID, &at, &status,
		&p.ClientName, &p.ClientPhone, &p.ClientEmail, &p.TotalFee,
		&p.ReminderCount, &p.LastReminderAt, &p.NextReminderAt, &p.EscalatedAt,
		&p.SentAt, &p.SignedAt, &p.LinkExpiresAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.AgreementType = AgreementType(at)
	p.Status = Status(status)
	return &p, nil
}

// collectPackets scans multiple rows into a slice of Packets.
func collectPackets(rows pgx.Rows) ([]Packet, error) {
	var packets []Packet
	for rows.Next() {
		var (
			p      Packet
			at     string
			status string
		)
		if err := rows.Scan(
			&p.ID, &p.LeadID, &at, &status,
			&p.ClientName, &p.ClientPhone, &p.ClientEmail, &p.TotalFee,
			&p.ReminderCount, &p.LastReminderAt, &p.NextReminderAt, &p.EscalatedAt,
			&p.SentAt, &p.SignedAt, &p.LinkExpiresAt, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		p.AgreementType = AgreementType(at)
		p.Status = Status(status)
		packets = append(packets, p)
	}
	return packets, rows.Err()
}
