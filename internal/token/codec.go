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

// Package token mints and verifies the stateless signing tokens embedded in
// signing links. A token is the base64url encoding of
// "leadID:agreementType:expiresAtMillis" followed by a raw HMAC-SHA256
// signature over that payload. Verification needs no datastore lookup, so
// public signer traffic can be validated cheaply. Revocation cannot be
// expressed cryptographically — packet status is re-checked at submission
// time independent of token validity.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL is the signing-link lifetime used when no TTL is given.
const DefaultTTL = 30 * 24 * time.Hour

var (
	// ErrMalformed means the token could not be decoded or parsed.
	ErrMalformed = errors.New("malformed token")
	// ErrSignatureMismatch means the HMAC signature does not match the
	// payload — the token was forged or tampered with.
	ErrSignatureMismatch = errors.New("token signature mismatch")
	// ErrExpired means the embedded expiry has passed.
	ErrExpired = errors.New("token expired")
)

// Claims is the verified content of a signing token.
type Claims struct {
	LeadID        string
	AgreementType string
	ExpiresAt     time.Time
}

// Codec mints and verifies signing tokens under a server secret.
// The secret is injected at startup, never read from ambient state.
type Codec struct {
	secret []byte
	ttl    time.Duration
}

// NewCodec creates a codec. ttl is the default link lifetime; zero means
// DefaultTTL.
func NewCodec(secret []byte, ttl time.Duration) (*Codec, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Codec{secret: secret, ttl: ttl}, nil
}

// TTL returns the codec's default link lifetime.
func (c *Codec) TTL() time.Duration { return c.ttl }

// Mint creates a signing token for a lead and agreement type. ttl overrides
// the codec default when positive.
func (c *Codec) Mint(leadID, agreementType string, ttl time.Duration) string {
	if ttl <= 0 {
		ttl = c.ttl
	}
	expires := time.Now().Add(ttl).UnixMilli()
	payload := fmt.Sprintf("%s:%s:%d", leadID, agreementType, expires)
	return encode([]byte(payload), c.sign([]byte(payload)))
}

// Verify decodes a token, checks its signature in constant time, and checks
// the embedded expiry. On success it returns the claims.
func (c *Codec) Verify(tok string) (*Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil || len(raw) <= sha256.Size {
		return nil, ErrMalformed
	}

	payload := raw[:len(raw)-sha256.Size]
	sig := raw[len(raw)-sha256.Size:]

	if !hmac.Equal(sig, c.sign(payload)) {
		return nil, ErrSignatureMismatch
	}

	parts := strings.Split(string(payload), ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, ErrMalformed
	}

	millis, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, ErrMalformed
	}

	claims := &Claims{
		LeadID:        parts[0],
		AgreementType: parts[1],
		ExpiresAt:     time.UnixMilli(millis),
	}

	if time.Now().After(claims.ExpiresAt) {
		return nil, ErrExpired
	}

	return claims, nil
}

func (c *Codec) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func encode(payload, sig []byte) string {
	raw := make([]byte, 0, len(payload)+len(sig))
	raw = append(raw, payload...)
	raw = append(raw, sig...)
	return base64.RawURLEncoding.EncodeToString(raw)
}
