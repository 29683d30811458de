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
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/claimhawk/esign/internal/identity"
	"github.com/claimhawk/esign/internal/notify"
	"github.com/claimhawk/esign/internal/packet"
	"github.com/claimhawk/esign/internal/token"
)

// Service drives signature intake and the signer-facing view flow.
type Service struct {
	codec    *token.Codec
	store    Store
	identity Identity
	notifier Notifier
	throttle Throttle
}

// ServiceConfig holds the intake service dependencies. Throttle and
// Notifier are optional.
type ServiceConfig struct {
	Codec    *token.Codec
	Store    Store
	Identity Identity
	Notifier Notifier
	Throttle Throttle
}

// NewService creates the intake service.
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		codec:    cfg.Codec,
		store:    cfg.Store,
		identity: cfg.Identity,
		notifier: cfg.Notifier,
		throttle: cfg.Throttle,
	}
}

// Submit processes one signature submission:
//
//  1. Verify the token (malformed / forged / expired all propagate).
//  2. Fast-path duplicate check against signed agreements.
//  3. Identity check: normalised typed name vs. owner of record.
//  4. Persist the audit record, 5. advance the packet, 6. append the
//     SIGNED event — all one transaction inside the store, guarded by the
//     uniqueness constraint.
//  7. Fire notifications best-effort; their failure never unwinds 4–6.
//
// A voided or otherwise resolved packet is rejected regardless of token
// validity.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*Receipt, error) {
	if strings.TrimSpace(req.TypedName) == "" || req.SignatureImage == "" || !req.ConsentGiven {
		return nil, ErrIncomplete
	}

	claims, err := s.codec.Verify(req.Token)
	if err != nil {
		return nil, err
	}
	at, err := packet.ParseAgreementType(claims.AgreementType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", token.ErrMalformed, err)
	}

	p, err := s.store.PacketByDocument(ctx, claims.LeadID, at)
	if err != nil {
		return nil, err
	}

	// Packet status is authoritative over token validity: a valid token
	// for a voided packet must still be rejected.
	now := time.Now().UTC()
	if p.LinkExpired(now) {
		if err := s.store.MarkExpired(ctx, p.ID); err != nil {
			slog.Error("lazy expiry failed", "packet_id", p.ID, "error", err)
		}
		return nil, token.ErrExpired
	}
	if p.Resolved() {
		if p.Status == packet.StatusSigned {
			return nil, ErrAlreadySigned
		}
		return nil, fmt.Errorf("%w: packet is %s", packet.ErrInvalidTransition, p.Status)
	}

	// Fast path only; the storage constraint is the real guard.
	signed, err := s.store.AlreadySigned(ctx, claims.LeadID, at)
	if err != nil {
		return nil, fmt.Errorf("duplicate check: %w", err)
	}
	if signed {
		return nil, ErrAlreadySigned
	}

	lead, err := s.identity.Lead(ctx, claims.LeadID)
	if err != nil {
		return nil, err
	}
	if !identity.Match(req.TypedName, lead.OwnerName) {
		return nil, ErrNameMismatch
	}

	rec := &Record{
		ID:             uuid.New().String(),
		LeadID:         claims.LeadID,
		AgreementType:  at,
		PacketID:       p.ID,
		TypedName:      strings.TrimSpace(req.TypedName),
		SignatureImage: req.SignatureImage,
		ConsentGiven:   req.ConsentGiven,
		ConsentText:    req.ConsentText,
		IPAddress:      req.IPAddress,
		UserAgent:      req.UserAgent,
		ScreenSize:     req.ScreenSize,
		Timezone:       req.Timezone,
		SignedAt:       now,
	}

	out, err := s.store.RecordSignature(ctx, rec)
	if err != nil {
		return nil, err
	}

	slog.Info("agreement signed",
		"agreement_id", rec.ID,
		"packet_id", p.ID,
		"lead_id", claims.LeadID,
		"agreement_type", at,
		"packet_status", out.PacketStatus,
	)

	if s.notifier != nil {
		// Post-commit, fire-and-forget. The request context may be gone
		// by the time delivery finishes.
		go s.notifier.AgreementSigned(context.Background(), buildNotice(rec, lead))
	}

	return &Receipt{
		AgreementID:  rec.ID,
		PacketID:     p.ID,
		SignedAt:     rec.SignedAt,
		PacketStatus: out.PacketStatus,
	}, nil
}

// View resolves a signing link for the signing page: verifies the token,
// lazily expires lapsed packets, and marks first views. Repeat opens are
// throttled so the ledger records one VIEWED event per day, not per click.
func (s *Service) View(ctx context.Context, tok string) (*SigningContext, error) {
	claims, err := s.codec.Verify(tok)
	if err != nil {
		return nil, err
	}
	at, err := packet.ParseAgreementType(claims.AgreementType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", token.ErrMalformed, err)
	}

	p, err := s.store.PacketByDocument(ctx, claims.LeadID, at)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if p.LinkExpired(now) {
		if err := s.store.MarkExpired(ctx, p.ID); err != nil {
			slog.Error("lazy expiry failed", "packet_id", p.ID, "error", err)
		}
		return nil, token.ErrExpired
	}

	if p.Resolved() {
		return nil, fmt.Errorf("%w: packet is %s", packet.ErrInvalidTransition, p.Status)
	}

	if p.Status == packet.StatusSent {
		record := true
		if s.throttle != nil {
			isNew, err := s.throttle.IsNew(ctx, "viewed:"+p.ID)
			if err != nil {
				slog.Warn("view throttle check failed, recording view", "error", err)
			} else {
				record = isNew
			}
		}
		if record {
			if changed, err := s.store.MarkViewed(ctx, p.ID); err != nil {
				slog.Error("mark viewed failed", "packet_id", p.ID, "error", err)
			} else if changed {
				p.Status = packet.StatusViewed
			}
		}
	}

	sc := &SigningContext{
		PacketID:      p.ID,
		AgreementType: p.AgreementType,
		Status:        p.Status,
		ClientName:    p.ClientName,
		TotalFee:      p.TotalFee,
	}
	for _, d := range p.Documents {
		sc.Documents = append(sc.Documents, DocumentStatus{
			AgreementType: d.AgreementType,
			Signed:        d.SignedAt != nil,
		})
	}
	return sc, nil
}

// buildNotice assembles the outbound contract from the committed record
// and the owner-of-record snapshot.
func buildNotice(rec *Record, lead *identity.Lead) *notify.AgreementSigned {
	return &notify.AgreementSigned{
		AgreementID:     rec.ID,
		LeadID:          rec.LeadID,
		AgreementType:   string(rec.AgreementType),
		OwnerName:       lead.OwnerName,
		PropertyAddress: lead.PropertyAddress,
		ExcessAmount:    lead.ExcessAmount,
		CaseNumber:      lead.CaseNumber,
		County:          lead.County,
		Phone:           lead.Phone,
		Email:           lead.Email,
		TypedName:       rec.TypedName,
		IPAddress:       rec.IPAddress,
		SignedAt:        rec.SignedAt.Format(time.RFC3339),
	}
}
