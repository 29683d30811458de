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
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/claimhawk/esign/internal/audit"
	"github.com/claimhawk/esign/internal/token"
)

// IssuerStore is the persistence surface the issuer needs.
// Implemented by Store.
type IssuerStore interface {
	Create(ctx context.Context, p *Packet) error
	Get(ctx context.Context, id string) (*Packet, error)
	GetByDocument(ctx context.Context, leadID string, at AgreementType) (*Packet, error)
	SetLinks(ctx context.Context, packetID string, links map[AgreementType]string, expiresAt time.Time) error
	MarkVoided(ctx context.Context, id string) error
	MarkDeclined(ctx context.Context, id string) error
	MarkEscalated(ctx context.Context, id string) (bool, error)
}

// EventLog is the append-only ledger surface. Implemented by audit.Log.
type EventLog interface {
	Append(ctx context.Context, packetID string, t audit.EventType, data map[string]any, source string) error
}

// IssueRequest describes a packet to send out for signature.
type IssueRequest struct {
	LeadID        string
	AgreementType AgreementType
	ClientName    string
	ClientPhone   string
	ClientEmail   string
	TotalFee      float64
}

// Issuer creates packets and performs the manual lifecycle operations:
// resend, void, decline, escalate. The signing-link base URL, token codec,
// and reminder lead time are injected at startup.
type Issuer struct {
	codec      *token.Codec
	store      IssuerStore
	events     EventLog
	baseURL    string
	firstDelay time.Duration // delay before the first automatic reminder
	source     string
}

// IssuerConfig holds the issuer's dependencies.
type IssuerConfig struct {
	Codec      *token.Codec
	Store      IssuerStore
	Events     EventLog
	BaseURL    string
	FirstDelay time.Duration
	Source     string
}

// NewIssuer creates a packet issuer.
func NewIssuer(cfg IssuerConfig) *Issuer {
	delay := cfg.FirstDelay
	if delay <= 0 {
		delay = 24 * time.Hour
	}
	source := cfg.Source
	if source == "" {
		source = "api"
	}
	return &Issuer{
		codec:      cfg.Codec,
		store:      cfg.Store,
		events:     cfg.Events,
		baseURL:    cfg.BaseURL,
		firstDelay: delay,
		source:     source,
	}
}

// Issue creates a packet in SENT with freshly minted signing links — one
// document, or two for a full-recovery packet.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*Packet, error) {
	now := time.Now().UTC()
	expires := now.Add(i.codec.TTL())
	nextReminder := now.Add(i.firstDelay)

	p := &Packet{
		ID:             uuid.New().String(),
		LeadID:         req.LeadID,
		AgreementType:  req.AgreementType,
		Status:         StatusSent,
		ClientName:     req.ClientName,
		ClientPhone:    req.ClientPhone,
		ClientEmail:    req.ClientEmail,
		TotalFee:       req.TotalFee,
		NextReminderAt: &nextReminder,
		SentAt:         &now,
		LinkExpiresAt:  &expires,
	}

	for _, at := range req.AgreementType.Documents() {
		p.Documents = append(p.Documents, Document{
			PacketID:      p.ID,
			AgreementType: at,
			SigningLink:   i.signingLink(req.LeadID, at),
		})
	}

	if err := i.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create packet: %w", err)
	}

	if err := i.events.Append(ctx, p.ID, audit.EventSent, map[string]any{
		"agreement_type": string(req.AgreementType),
		"documents":      len(p.Documents),
	}, i.source); err != nil {
		slog.Error("failed to append SENT event", "packet_id", p.ID, "error", err)
	}

	slog.Info("packet issued",
		"packet_id", p.ID,
		"lead_id", req.LeadID,
		"agreement_type", req.AgreementType,
		"documents", len(p.Documents),
	)

	return p, nil
}

// Resend re-mints the signing links of an unresolved packet with a fresh
// expiry. Permitted only while the packet is SENT or VIEWED.
func (i *Issuer) Resend(ctx context.Context, packetID string) (*Packet, error) {
	p, err := i.store.Get(ctx, packetID)
	if err != nil {
		return nil, err
	}
	if !p.Status.CanResend() {
		return nil, fmt.Errorf("%w: resend from %s", ErrInvalidTransition, p.Status)
	}

	now := time.Now().UTC()
	expires := now.Add(i.codec.TTL())

	links := make(map[AgreementType]string, len(p.Documents))
	for idx := range p.Documents {
		link := i.signingLink(p.LeadID, p.Documents[idx].AgreementType)
		links[p.Documents[idx].AgreementType] = link
		p.Documents[idx].SigningLink = link
	}

	if err := i.store.SetLinks(ctx, packetID, links, expires); err != nil {
		return nil, fmt.Errorf("store resent links: %w", err)
	}
	p.SentAt = &now
	p.LinkExpiresAt = &expires

	if err := i.events.Append(ctx, packetID, audit.EventResent, map[string]any{
		"documents": len(links),
	}, i.source); err != nil {
		slog.Error("failed to append RESENT event", "packet_id", packetID, "error", err)
	}

	slog.Info("packet resent", "packet_id", packetID, "lead_id", p.LeadID)
	return p, nil
}

// Void cancels a packet. A voided packet rejects submissions even against
// a still-valid token.
func (i *Issuer) Void(ctx context.Context, packetID, reason string) error {
	if err := i.store.MarkVoided(ctx, packetID); err != nil {
		return err
	}
	if err := i.events.Append(ctx, packetID, audit.EventVoided, map[string]any{
		"reason": reason,
	}, i.source); err != nil {
		slog.Error("failed to append VOIDED event", "packet_id", packetID, "error", err)
	}
	slog.Info("packet voided", "packet_id", packetID, "reason", reason)
	return nil
}

// Decline records an explicit signer refusal, identified by signing token.
func (i *Issuer) Decline(ctx context.Context, tok, reason string) error {
	claims, err := i.codec.Verify(tok)
	if err != nil {
		return err
	}
	at, err := ParseAgreementType(claims.AgreementType)
	if err != nil {
		return fmt.Errorf("%w: %v", token.ErrMalformed, err)
	}

	p, err := i.store.GetByDocument(ctx, claims.LeadID, at)
	if err != nil {
		return err
	}

	if err := i.store.MarkDeclined(ctx, p.ID); err != nil {
		return err
	}
	if err := i.events.Append(ctx, p.ID, audit.EventDeclined, map[string]any{
		"reason": reason,
	}, "signer"); err != nil {
		slog.Error("failed to append DECLINED event", "packet_id", p.ID, "error", err)
	}
	slog.Info("packet declined", "packet_id", p.ID, "lead_id", p.LeadID)
	return nil
}

// Escalate hands an unresolved packet to human review.
func (i *Issuer) Escalate(ctx context.Context, packetID string) error {
	ok, err := i.store.MarkEscalated(ctx, packetID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: packet resolved or already escalated", ErrInvalidTransition)
	}
	if err := i.events.Append(ctx, packetID, audit.EventEscalated, nil, i.source); err != nil {
		slog.Error("failed to append ESCALATED event", "packet_id", packetID, "error", err)
	}
	slog.Info("packet escalated", "packet_id", packetID)
	return nil
}

func (i *Issuer) signingLink(leadID string, at AgreementType) string {
	tok := i.codec.Mint(leadID, string(at), 0)
	return fmt.Sprintf("%s/sign?token=%s", i.baseURL, url.QueryEscape(tok))
}
