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

// Package identity resolves the owner of record for a lead. The dashboard's
// leads table is the single canonical identity source for signature
// verification — no other table is consulted.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrLeadNotFound means no lead row exists for the given ID.
var ErrLeadNotFound = errors.New("lead not found")

// Lead is the owner-of-record snapshot used for identity verification and
// for enriching outbound notifications.
type Lead struct {
	ID              string
	OwnerName       string
	Phone           string
	Email           string
	PropertyAddress string
	ExcessAmount    float64
	CaseNumber      string
	County          string
}

// Resolver reads lead identity from the dashboard-owned leads table. The
// table belongs to the dashboard, so no schema is created here.
type Resolver struct {
	pool *pgxpool.Pool
}

// NewResolver creates a lead identity resolver.
func NewResolver(pool *pgxpool.Pool) *Resolver {
	return &Resolver{pool: pool}
}

// Lead fetches the owner of record for a lead.
func (r *Resolver) Lead(ctx context.Context, leadID string) (*Lead, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, owner_name,
		       COALESCE(phone, ''), COALESCE(email, ''),
		       COALESCE(property_address, ''), COALESCE(excess_amount, 0),
		       COALESCE(case_number, ''), COALESCE(county, '')
		FROM leads
		WHERE id = $1
	`, leadID)

	var l Lead
	err := row.Scan(&l.ID, &l.OwnerName, &l.Phone, &l.Email,
		&l.PropertyAddress, &l.ExcessAmount, &l.CaseNumber, &l.County)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrLeadNotFound, leadID)
	}
	if err != nil {
		return nil, fmt.Errorf("look up lead %s: %w", leadID, err)
	}
	return &l, nil
}

// Normalize prepares a name for comparison: trimmed, case-folded, with
// internal whitespace collapsed to single spaces.
func Normalize(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// Match reports whether a typed name matches the owner of record after
// normalisation. Exact match only — "Jon" does not match "John".
func Match(typed, ownerName string) bool {
	t := Normalize(typed)
	return t != "" && t == Normalize(ownerName)
}
