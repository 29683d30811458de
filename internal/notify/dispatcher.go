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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// AgreementSigned is the outbound notification contract. Its JSON shape is
// consumed by the configured webhook receiver and by the follow-up worker;
// field names must not change without coordinating both.
type AgreementSigned struct {
	Event           string  `json:"event"` // always "agreement_signed"
	AgreementID     string  `json:"agreementId"`
	LeadID          string  `json:"leadId"`
	AgreementType   string  `json:"agreementType"`
	OwnerName       string  `json:"ownerName"`
	PropertyAddress string  `json:"propertyAddress"`
	ExcessAmount    float64 `json:"excessAmount"`
	CaseNumber      string  `json:"caseNumber"`
	County          string  `json:"county"`
	Phone           string  `json:"phone"`
	Email           string  `json:"email"`
	TypedName       string  `json:"typedName"`
	IPAddress       string  `json:"ipAddress"`
	SignedAt        string  `json:"signedAt"` // RFC 3339
}

// Dispatcher performs fire-and-forget fan-out on signature: one POST to the
// outbound webhook and one follow-up task on the queue. Neither failure
// affects the other, and neither is retried synchronously.
type Dispatcher struct {
	webhookURL string
	httpClient *http.Client
	publisher  *Publisher
}

// NewDispatcher creates a dispatcher. webhookURL may be empty, in which
// case only the follow-up task is published. timeout bounds the webhook
// POST; zero means 5s.
func NewDispatcher(webhookURL string, timeout time.Duration, publisher *Publisher) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: timeout},
		publisher:  publisher,
	}
}

// AgreementSigned fans out one signed-agreement notification. Callers run
// this after the signature has committed; errors are logged here, never
// returned, so a downstream outage can never unwind a signature.
func (d *Dispatcher) AgreementSigned(ctx context.Context, notice *AgreementSigned) {
	notice.Event = "agreement_signed"

	if d.webhookURL != "" {
		if err := d.postWebhook(ctx, notice); err != nil {
			slog.Error("agreement webhook delivery failed",
				"agreement_id", notice.AgreementID,
				"lead_id", notice.LeadID,
				"error", err,
			)
		}
	}

	if d.publisher != nil {
		if err := d.publisher.PublishFollowup(ctx, notice); err != nil {
			slog.Error("follow-up task publish failed",
				"agreement_id", notice.AgreementID,
				"lead_id", notice.LeadID,
				"error", err,
			)
		}
	}
}

func (d *Dispatcher) postWebhook(ctx context.Context, notice *AgreementSigned) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	slog.Info("agreement webhook delivered",
		"agreement_id", notice.AgreementID,
		"lead_id", notice.LeadID,
	)
	return nil
}
