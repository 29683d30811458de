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

// Package sms implements the outbound SMS collaborator contract against the
// provider's REST gateway. The gateway authenticates with OAuth2 client
// credentials; token refresh is handled by the oauth2 transport.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2/clientcredentials"
)

// Config holds provider credentials and endpoints.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	BaseURL      string
	From         string
}

// SendResult reports the outcome of one message send.
type SendResult struct {
	Success           bool
	ProviderMessageID string
	Error             string
}

// Client sends SMS messages through the provider gateway.
type Client struct {
	httpClient *http.Client
	baseURL    string
	from       string
}

// NewClient builds an SMS client with an OAuth2 client-credentials
// transport, mirroring how the service builds its other outbound clients.
func NewClient(ctx context.Context, cfg Config) *Client {
	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       []string{"messages:send"},
	}
	return &Client{
		httpClient: creds.Client(ctx),
		baseURL:    cfg.BaseURL,
		from:       cfg.From,
	}
}

// sendRequest is the gateway's message creation body.
type sendRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	Reference string `json:"reference,omitempty"`
}

// sendResponse is the gateway's message creation response.
type sendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Send delivers one message. leadID is passed as the provider reference so
// delivery receipts can be correlated back to the lead. A non-2xx gateway
// response is returned both as an error and in the result, so callers that
// treat sends as best-effort can record the failure without aborting.
func (c *Client) Send(ctx context.Context, phoneNumber, messageBody, leadID string) (SendResult, error) {
	body, err := json.Marshal(sendRequest{
		From:      c.from,
		To:        phoneNumber,
		Body:      messageBody,
		Reference: leadID,
	})
	if err != nil {
		return SendResult{Error: err.Error()}, fmt.Errorf("marshal sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/messages", c.baseURL), bytes.NewReader(body))
	if err != nil {
		return SendResult{Error: err.Error()}, fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SendResult{Error: err.Error()}, fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		slog.Error("sms gateway error",
			"status", resp.StatusCode,
			"lead_id", leadID,
			"body", string(respBody),
		)
		msg := fmt.Sprintf("gateway returned HTTP %d", resp.StatusCode)
		return SendResult{Error: msg}, fmt.Errorf("sms %s", msg)
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// The message was accepted; a bad response body is not a failure.
		slog.Warn("sms response decode failed", "lead_id", leadID, "error", err)
		return SendResult{Success: true}, nil
	}

	slog.Info("sms sent",
		"lead_id", leadID,
		"provider_message_id", out.ID,
	)

	return SendResult{Success: true, ProviderMessageID: out.ID}, nil
}
