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

// Package packet defines agreement packets — the logical unit of one or
// more documents sent to one signer for one lead — together with the
// packet status state machine, a Postgres-backed store, and the issuer
// that creates, resends, voids, and escalates packets.
//
// The transition rules live here as pure functions so that the Postgres
// store and test fakes enforce the same machine.
package packet

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an agreement packet.
type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusSent            Status = "SENT"
	StatusViewed          Status = "VIEWED"
	StatusPartiallySigned Status = "PARTIALLY_SIGNED"
	StatusSigned          Status = "SIGNED"
	StatusDeclined        Status = "DECLINED"
	StatusVoided          Status = "VOIDED"
	StatusExpired         Status = "EXPIRED"
)

// AgreementType identifies which agreement a document carries.
type AgreementType string

const (
	AgreementExcessFunds  AgreementType = "excess_funds"
	AgreementWholesale    AgreementType = "wholesale"
	AgreementFullRecovery AgreementType = "full_recovery"
)

var (
	// ErrNotFound means no packet matches the given identifier.
	ErrNotFound = errors.New("packet not found")
	// ErrInvalidTransition means the requested status change is not legal
	// from the packet's current status.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ParseAgreementType validates an agreement type received at the boundary.
// Unrecognised values are rejected before they reach the state machine.
func ParseAgreementType(s string) (AgreementType, error) {
	switch AgreementType(s) {
	case AgreementExcessFunds, AgreementWholesale, AgreementFullRecovery:
		return AgreementType(s), nil
	}
	return "", fmt.Errorf("unknown agreement type %q", s)
}

// Documents returns the document types a packet of this agreement type
// carries. A full-recovery packet bundles the excess-funds and wholesale
// agreements; every other type is a single document.
func (t AgreementType) Documents() []AgreementType {
	if t == AgreementFullRecovery {
		return []AgreementType{AgreementExcessFunds, AgreementWholesale}
	}
	return []AgreementType{t}
}

// Terminal reports whether a status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSigned, StatusDeclined, StatusVoided, StatusExpired:
		return true
	}
	return false
}

// transitions is the full legal transition map. Anything absent is illegal.
var transitions = map[Status][]Status{
	StatusDraft:           {StatusSent},
	StatusSent:            {StatusViewed, StatusPartiallySigned, StatusSigned, StatusVoided, StatusDeclined, StatusExpired},
	StatusViewed:          {StatusPartiallySigned, StatusSigned, StatusVoided, StatusDeclined, StatusExpired},
	StatusPartiallySigned: {StatusSigned, StatusVoided},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns every status from which a transition to the given
// status is legal. Stores use this to guard UPDATEs.
func AllowedFrom(to Status) []Status {
	var from []Status
	for f, tos := range transitions {
		for _, t := range tos {
			if t == to {
				from = append(from, f)
			}
		}
	}
	return from
}

// CanResend reports whether a packet's links may be re-issued. Resend is
// permitted only while the packet is out for signature and untouched.
func (s Status) CanResend() bool {
	return s == StatusSent || s == StatusViewed
}

// SignOutcome returns the status a packet moves to when one of its
// documents is validly signed, given how many documents remain unsigned
// after this one. Terminal packets and drafts reject the signature.
func SignOutcome(current Status, unsignedRemaining int) (Status, error) {
	next := StatusSigned
	if unsignedRemaining > 0 {
		next = StatusPartiallySigned
	}
	if !CanTransition(current, next) {
		return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return next, nil
}

// Packet is one logical unit of documents sent to one signer for one lead.
type Packet struct {
	ID             string
	LeadID         string
	AgreementType  AgreementType
	Status         Status
	ClientName     string
	ClientPhone    string
	ClientEmail    string
	TotalFee       float64
	ReminderCount  int
	LastReminderAt *time.Time
	NextReminderAt *time.Time
	EscalatedAt    *time.Time
	SentAt         *time.Time
	SignedAt       *time.Time
	LinkExpiresAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Documents []Document
}

// Document is a single agreement within a packet, with its own signing link.
type Document struct {
	ID            int64
	PacketID      string
	AgreementType AgreementType
	SigningLink   string
	SignedAt      *time.Time
}

// Resolved reports whether the packet has reached any terminal status.
func (p *Packet) Resolved() bool { return p.Status.Terminal() }

// LinkExpired reports whether the packet's signing links have lapsed while
// the packet is still unresolved. Expiry is detected lazily on read.
func (p *Packet) LinkExpired(now time.Time) bool {
	if p.Resolved() || p.LinkExpiresAt == nil {
		return false
	}
	return now.After(*p.LinkExpiresAt)
}
