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

// Package signature implements signature intake: token verification,
// identity and duplicate checks, the atomic audit-record commit, and the
// post-commit notification fan-out. At most one signed agreement may ever
// exist per (lead, agreement type); the uniqueness constraint on the
// signed_agreements table — not the application-level check — is the
// correctness boundary under concurrent or retried submissions.
package signature

import (
	"context"
	"errors"
	"time"

	"github.com/claimhawk/esign/internal/identity"
	"github.com/claimhawk/esign/internal/notify"
	"github.com/claimhawk/esign/internal/packet"
)

var (
	// ErrAlreadySigned means a signed agreement already exists for this
	// (lead, agreement type). A conflict, not a retry target.
	ErrAlreadySigned = errors.New("agreement already signed")
	// ErrNameMismatch means the typed name does not match the owner of
	// record. Re-entry is a legitimate recovery path for the signer.
	ErrNameMismatch = errors.New("typed name does not match owner of record")
	// ErrIncomplete means a required submission field was missing.
	ErrIncomplete = errors.New("typed name, signature image, and consent are required")
)

// SubmitRequest is a signer's submission, as captured at the HTTP boundary.
type SubmitRequest struct {
	Token          string
	TypedName      string
	SignatureImage string
	ConsentGiven   bool
	ConsentText    string
	ScreenSize     string
	Timezone       string
	IPAddress      string
	UserAgent      string
}

// Record is the persisted audit record of one signature — the full
// fingerprint (IP, device, consent text, timestamp) that makes the
// signature legally defensible.
type Record struct {
	ID             string
	LeadID         string
	AgreementType  packet.AgreementType
	PacketID       string
	TypedName      string
	SignatureImage string
	ConsentGiven   bool
	ConsentText    string
	IPAddress      string
	UserAgent      string
	ScreenSize     string
	Timezone       string
	SignedAt       time.Time
}

// Outcome reports what the atomic commit did to the packet.
type Outcome struct {
	PacketStatus packet.Status
}

// Receipt is returned to the signer on success.
type Receipt struct {
	AgreementID  string
	PacketID     string
	SignedAt     time.Time
	PacketStatus packet.Status
}

// DocumentStatus summarises one document for the signing page.
type DocumentStatus struct {
	AgreementType packet.AgreementType
	Signed        bool
}

// SigningContext is what the signing page needs to render.
type SigningContext struct {
	PacketID      string
	AgreementType packet.AgreementType
	Status        packet.Status
	ClientName    string
	TotalFee      float64
	Documents     []DocumentStatus
}

// Store is the persistence surface the intake service needs. The Postgres
// implementation commits RecordSignature's work in a single transaction;
// fakes must enforce the same per-(lead, type) uniqueness.
type Store interface {
	PacketByDocument(ctx context.Context, leadID string, at packet.AgreementType) (*packet.Packet, error)
	AlreadySigned(ctx context.Context, leadID string, at packet.AgreementType) (bool, error)
	RecordSignature(ctx context.Context, rec *Record) (*Outcome, error)
	MarkViewed(ctx context.Context, packetID string) (bool, error)
	MarkExpired(ctx context.Context, packetID string) error
}

// Identity resolves the owner of record for the NameMismatch check.
type Identity interface {
	Lead(ctx context.Context, leadID string) (*identity.Lead, error)
}

// Notifier receives the post-commit fan-out.
type Notifier interface {
	AgreementSigned(ctx context.Context, notice *notify.AgreementSigned)
}

// Throttle suppresses repeated VIEWED events. Implemented by dedup.Filter.
type Throttle interface {
	IsNew(ctx context.Context, key string) (bool, error)
}
