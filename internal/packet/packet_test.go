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
	"errors"
	"testing"
	"time"
)

// TestTransitions exercises the full transition matrix.
func TestTransitions(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		ok   bool
	}{
		{StatusDraft, StatusSent, true},
		{StatusDraft, StatusSigned, false},
		{StatusSent, StatusViewed, true},
		{StatusSent, StatusSigned, true},
		{StatusSent, StatusPartiallySigned, true},
		{StatusSent, StatusVoided, true},
		{StatusSent, StatusDeclined, true},
		{StatusSent, StatusExpired, true},
		{StatusViewed, StatusSigned, true},
		{StatusViewed, StatusVoided, true},
		{StatusViewed, StatusDeclined, true},
		{StatusViewed, StatusExpired, true},
		{StatusViewed, StatusSent, false},
		{StatusPartiallySigned, StatusSigned, true},
		{StatusPartiallySigned, StatusVoided, true},
		{StatusPartiallySigned, StatusDeclined, false},
		{StatusPartiallySigned, StatusExpired, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.ok {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
			}
		})
	}
}

// TestTerminalInvariant verifies that no transition leaves a terminal status.
func TestTerminalInvariant(t *testing.T) {
	terminals := []Status{StatusSigned, StatusDeclined, StatusVoided, StatusExpired}
	all := []Status{
		StatusDraft, StatusSent, StatusViewed, StatusPartiallySigned,
		StatusSigned, StatusDeclined, StatusVoided, StatusExpired,
	}

	for _, from := range terminals {
		if !from.Terminal() {
			t.Errorf("%s should be terminal", from)
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

// TestCanResend verifies resend is limited to SENT and VIEWED.
func TestCanResend(t *testing.T) {
	if !StatusSent.CanResend() || !StatusViewed.CanResend() {
		t.Error("SENT and VIEWED must allow resend")
	}
	for _, s := range []Status{StatusDraft, StatusPartiallySigned, StatusSigned, StatusDeclined, StatusVoided, StatusExpired} {
		if s.CanResend() {
			t.Errorf("%s must not allow resend", s)
		}
	}
}

// TestSignOutcome verifies single- and multi-document signing advances.
func TestSignOutcome(t *testing.T) {
	tests := []struct {
		name      string
		current   Status
		remaining int
		want      Status
		wantErr   bool
	}{
		{"sent single doc", StatusSent, 0, StatusSigned, false},
		{"viewed single doc", StatusViewed, 0, StatusSigned, false},
		{"sent first of two", StatusSent, 1, StatusPartiallySigned, false},
		{"viewed first of two", StatusViewed, 1, StatusPartiallySigned, false},
		{"partial last doc", StatusPartiallySigned, 0, StatusSigned, false},
		{"already signed", StatusSigned, 0, "", true},
		{"voided", StatusVoided, 0, "", true},
		{"declined", StatusDeclined, 0, "", true},
		{"expired", StatusExpired, 0, "", true},
		{"draft", StatusDraft, 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SignOutcome(tt.current, tt.remaining)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("err = %v, want ErrInvalidTransition", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("outcome = %s, want %s", got, tt.want)
			}
		})
	}
}

// TestAgreementTypeDocuments verifies full_recovery bundles two agreements.
func TestAgreementTypeDocuments(t *testing.T) {
	docs := AgreementFullRecovery.Documents()
	if len(docs) != 2 || docs[0] != AgreementExcessFunds || docs[1] != AgreementWholesale {
		t.Errorf("full_recovery documents = %v", docs)
	}

	for _, at := range []AgreementType{AgreementExcessFunds, AgreementWholesale} {
		docs := at.Documents()
		if len(docs) != 1 || docs[0] != at {
			t.Errorf("%s documents = %v", at, docs)
		}
	}
}

// TestParseAgreementType rejects unknown variants at the boundary.
func TestParseAgreementType(t *testing.T) {
	for _, ok := range []string{"excess_funds", "wholesale", "full_recovery"} {
		if _, err := ParseAgreementType(ok); err != nil {
			t.Errorf("ParseAgreementType(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"", "EXCESS_FUNDS", "quitclaim", "excess_funds "} {
		if _, err := ParseAgreementType(bad); err == nil {
			t.Errorf("ParseAgreementType(%q) should fail", bad)
		}
	}
}

// TestLinkExpired verifies lazy expiry detection.
func TestLinkExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	p := &Packet{Status: StatusSent, LinkExpiresAt: &past}
	if !p.LinkExpired(now) {
		t.Error("unresolved packet with past expiry should be expired")
	}

	p = &Packet{Status: StatusSent, LinkExpiresAt: &future}
	if p.LinkExpired(now) {
		t.Error("future expiry should not be expired")
	}

	// Terminal packets never lazily expire, whatever the timestamp says.
	p = &Packet{Status: StatusSigned, LinkExpiresAt: &past}
	if p.LinkExpired(now) {
		t.Error("resolved packet must not expire")
	}

	p = &Packet{Status: StatusSent}
	if p.LinkExpired(now) {
		t.Error("packet without expiry must not expire")
	}
}
