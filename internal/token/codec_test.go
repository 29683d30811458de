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

package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec([]byte("test-secret"), 0)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

// TestRoundTrip verifies that minted tokens recover their claims exactly.
func TestRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	tests := []struct {
		leadID        string
		agreementType string
		ttl           time.Duration
	}{
		{"L1", "excess_funds", time.Hour},
		{"8f14e45f-ceea-4a1c-9c6e-1d4f0a2b3c4d", "wholesale", 0},
		{"12345", "full_recovery", 30 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.leadID+"/"+tt.agreementType, func(t *testing.T) {
			tok := c.Mint(tt.leadID, tt.agreementType, tt.ttl)

			claims, err := c.Verify(tok)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if claims.LeadID != tt.leadID {
				t.Errorf("leadID = %q, want %q", claims.LeadID, tt.leadID)
			}
			if claims.AgreementType != tt.agreementType {
				t.Errorf("agreementType = %q, want %q", claims.AgreementType, tt.agreementType)
			}
			if !claims.ExpiresAt.After(time.Now()) {
				t.Errorf("expiry %v should be in the future", claims.ExpiresAt)
			}
		})
	}
}

// TestExpired verifies that a correctly signed token with a past expiry
// fails with ErrExpired.
func TestExpired(t *testing.T) {
	c := newTestCodec(t)

	payload := fmt.Sprintf("L1:excess_funds:%d", time.Now().Add(-time.Minute).UnixMilli())
	tok := encode([]byte(payload), c.sign([]byte(payload)))

	_, err := c.Verify(tok)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

// TestTamper verifies that altering any payload byte breaks the signature.
func TestTamper(t *testing.T) {
	c := newTestCodec(t)
	tok := c.Mint("L1", "excess_funds", time.Hour)

	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	for i := range raw {
		mutated := make([]byte, len(raw))
		copy(mutated, raw)
		mutated[i] ^= 0x01

		_, err := c.Verify(base64.RawURLEncoding.EncodeToString(mutated))
		if !errors.Is(err, ErrSignatureMismatch) {
			t.Fatalf("byte %d: err = %v, want ErrSignatureMismatch", i, err)
		}
	}
}

// TestWrongSecret verifies that a token minted under one secret fails
// verification under another.
func TestWrongSecret(t *testing.T) {
	a, _ := NewCodec([]byte("secret-a"), 0)
	b, _ := NewCodec([]byte("secret-b"), 0)

	tok := a.Mint("L1", "wholesale", time.Hour)
	if _, err := b.Verify(tok); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("err = %v, want ErrSignatureMismatch", err)
	}
}

// TestMalformed covers undecodable and structurally invalid tokens.
func TestMalformed(t *testing.T) {
	c := newTestCodec(t)

	// A signed payload with the wrong field count still fails as malformed.
	badShape := encode([]byte("no-fields-here"), c.sign([]byte("no-fields-here")))
	badExpiry := encode([]byte("L1:excess_funds:soon"), c.sign([]byte("L1:excess_funds:soon")))
	emptyLead := encode([]byte(":excess_funds:123"), c.sign([]byte(":excess_funds:123")))

	tests := []struct {
		name string
		tok  string
	}{
		{"empty", ""},
		{"not base64url", "!!!not-base64!!!"},
		{"too short", base64.RawURLEncoding.EncodeToString([]byte("short"))},
		{"wrong field count", badShape},
		{"non-numeric expiry", badExpiry},
		{"empty lead id", emptyLead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Verify(tt.tok); !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

// TestEmptySecretRejected verifies codec construction requires a secret.
func TestEmptySecretRejected(t *testing.T) {
	if _, err := NewCodec(nil, 0); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
