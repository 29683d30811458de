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

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestDispatcher_PostsWebhook verifies the webhook payload shape and that
// the event field is always stamped.
func TestDispatcher_PostsWebhook(t *testing.T) {
	var got AgreementSigned
	received := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.URL, time.Second, nil)
	d.AgreementSigned(context.Background(), &AgreementSigned{
		AgreementID:   "agr-1",
		LeadID:        "L1",
		AgreementType: "excess_funds",
		OwnerName:     "John Smith",
		TypedName:     "John Smith",
		IPAddress:     "203.0.113.7",
		SignedAt:      time.Now().UTC().Format(time.RFC3339),
	})

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}

	if got.Event != "agreement_signed" {
		t.Errorf("event = %q, want agreement_signed", got.Event)
	}
	if got.AgreementID != "agr-1" || got.LeadID != "L1" {
		t.Errorf("payload = %+v", got)
	}
}

// TestDispatcher_SwallowsWebhookFailure verifies a failing receiver never
// propagates an error to the caller.
func TestDispatcher_SwallowsWebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.URL, time.Second, nil)

	// Must not panic or block; failure is logged only.
	d.AgreementSigned(context.Background(), &AgreementSigned{AgreementID: "agr-2", LeadID: "L2"})
}

// TestDispatcher_NoWebhookConfigured verifies an empty URL skips the POST.
func TestDispatcher_NoWebhookConfigured(t *testing.T) {
	d := NewDispatcher("", time.Second, nil)
	d.AgreementSigned(context.Background(), &AgreementSigned{AgreementID: "agr-3"})
}
