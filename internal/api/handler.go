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

// Package api exposes the HTTP surface: the public signer endpoints under
// /sign and the internal dashboard endpoints for issuing, lifecycle, and
// reminder operations.
//
// Signer-facing errors are deliberately vague — a malformed token, a forged
// token, an expired link, and a voided packet all collapse to the same
// "link expired or invalid" response, so the public endpoint leaks nothing
// about why a link stopped working. Internal endpoints get specific codes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/claimhawk/esign/internal/audit"
	"github.com/claimhawk/esign/internal/packet"
	"github.com/claimhawk/esign/internal/reminder"
	"github.com/claimhawk/esign/internal/signature"
	"github.com/claimhawk/esign/internal/token"
)

// Intake is the signer-facing flow. Implemented by signature.Service.
type Intake interface {
	Submit(ctx context.Context, req *signature.SubmitRequest) (*signature.Receipt, error)
	View(ctx context.Context, tok string) (*signature.SigningContext, error)
}

// Issuing covers packet creation and manual lifecycle operations.
// Implemented by packet.Issuer.
type Issuing interface {
	Issue(ctx context.Context, req packet.IssueRequest) (*packet.Packet, error)
	Resend(ctx context.Context, packetID string) (*packet.Packet, error)
	Void(ctx context.Context, packetID, reason string) error
	Decline(ctx context.Context, tok, reason string) error
	Escalate(ctx context.Context, packetID string) error
}

// Packets is the read surface. Implemented by packet.Store.
type Packets interface {
	Get(ctx context.Context, id string) (*packet.Packet, error)
	ListDueReminders(ctx context.Context, now time.Time, maxReminders, limit int) ([]packet.Packet, error)
	ListEscalationCandidates(ctx context.Context, maxReminders int) ([]packet.Packet, error)
}

// Events reads a packet's ledger. Implemented by audit.Log.
type Events interface {
	ListByPacket(ctx context.Context, packetID string) ([]audit.Event, error)
}

// Reminders triggers manual reminders. Implemented by reminder.Scheduler.
type Reminders interface {
	TriggerPacket(ctx context.Context, packetID string) error
}

// Pinger is a dependency health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves all HTTP endpoints.
type Handler struct {
	intake      Intake
	issuer      Issuing
	packets     Packets
	events      Events
	reminders   Reminders
	db          Pinger
	queue       Pinger
	reminderMax int
}

// HandlerConfig holds the handler's collaborators.
type HandlerConfig struct {
	Intake      Intake
	Issuer      Issuing
	Packets     Packets
	Events      Events
	Reminders   Reminders
	DB          Pinger
	Queue       Pinger
	ReminderMax int
}

// NewHandler creates the HTTP handler.
func NewHandler(cfg HandlerConfig) *Handler {
	max := cfg.ReminderMax
	if max <= 0 {
		max = 3
	}
	return &Handler{
		intake:      cfg.Intake,
		issuer:      cfg.Issuer,
		packets:     cfg.Packets,
		events:      cfg.Events,
		reminders:   cfg.Reminders,
		db:          cfg.DB,
		queue:       cfg.Queue,
		reminderMax: max,
	}
}

// Routes registers every endpoint on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Public signer endpoints.
	mux.HandleFunc("GET /sign", h.viewSigning)
	mux.HandleFunc("POST /sign", h.submitSignature)
	mux.HandleFunc("POST /sign/decline", h.declineSigning)

	// Internal dashboard endpoints.
	mux.HandleFunc("POST /agreements", h.issuePacket)
	mux.HandleFunc("GET /packets/{id}", h.getPacket)
	mux.HandleFunc("POST /packets/{id}/void", h.voidPacket)
	mux.HandleFunc("POST /packets/{id}/resend", h.resendPacket)
	mux.HandleFunc("POST /packets/{id}/escalate", h.escalatePacket)
	mux.HandleFunc("GET /reminders/due", h.listDueReminders)
	mux.HandleFunc("GET /reminders/escalations", h.listEscalations)
	mux.HandleFunc("POST /reminders/{packetId}", h.triggerReminder)

	mux.HandleFunc("GET /health", h.health)

	return mux
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// writeSignerError maps intake errors for the public endpoints. Token and
// packet-state failures are indistinguishable on purpose.
func writeSignerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, signature.ErrAlreadySigned):
		writeError(w, http.StatusConflict, "already_signed", "this agreement has already been signed")
	case errors.Is(err, signature.ErrNameMismatch):
		writeError(w, http.StatusUnprocessableEntity, "name_mismatch",
			"the name you typed does not match the name on file")
	case errors.Is(err, signature.ErrIncomplete):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, token.ErrMalformed),
		errors.Is(err, token.ErrSignatureMismatch),
		errors.Is(err, token.ErrExpired),
		errors.Is(err, packet.ErrNotFound),
		errors.Is(err, packet.ErrInvalidTransition):
		writeError(w, http.StatusGone, "invalid_token", "this signing link has expired or is invalid")
	default:
		slog.Error("signer request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "something went wrong")
	}
}

// writeAdminError maps errors for the internal endpoints with specific codes.
func writeAdminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, packet.ErrNotFound):
		writeError(w, http.StatusNotFound, "packet_not_found", "no packet matches that id")
	case errors.Is(err, packet.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_state_transition", err.Error())
	case errors.Is(err, reminder.ErrReminderExhausted):
		writeError(w, http.StatusConflict, "invalid_state_transition", err.Error())
	default:
		slog.Error("admin request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "something went wrong")
	}
}

type documentResponse struct {
	AgreementType string     `json:"agreementType"`
	SigningLink   string     `json:"signingLink,omitempty"`
	SignedAt      *time.Time `json:"signedAt,omitempty"`
}

type packetResponse struct {
	ID             string             `json:"id"`
	LeadID         string             `json:"leadId"`
	AgreementType  string             `json:"agreementType"`
	Status         string             `json:"status"`
	ClientName     string             `json:"clientName"`
	ClientPhone    string             `json:"clientPhone,omitempty"`
	ClientEmail    string             `json:"clientEmail,omitempty"`
	TotalFee       float64            `json:"totalFee"`
	ReminderCount  int                `json:"reminderCount"`
	LastReminderAt *time.Time         `json:"lastReminderAt,omitempty"`
	NextReminderAt *time.Time         `json:"nextReminderAt,omitempty"`
	EscalatedAt    *time.Time         `json:"escalatedAt,omitempty"`
	SentAt         *time.Time         `json:"sentAt,omitempty"`
	SignedAt       *time.Time         `json:"signedAt,omitempty"`
	LinkExpiresAt  *time.Time         `json:"linkExpiresAt,omitempty"`
	Documents      []documentResponse `json:"documents,omitempty"`
}

func toPacketResponse(p *packet.Packet, includeLinks bool) packetResponse {
	out := packetResponse{
		ID:             p.ID,
		LeadID:         p.LeadID,
		AgreementType:  string(p.AgreementType),
		Status:         string(p.Status),
		ClientName:     p.ClientName,
		ClientPhone:    p.ClientPhone,
		ClientEmail:    p.ClientEmail,
		TotalFee:       p.TotalFee,
		ReminderCount:  p.ReminderCount,
		LastReminderAt: p.LastReminderAt,
		NextReminderAt: p.NextReminderAt,
		EscalatedAt:    p.EscalatedAt,
		SentAt:         p.SentAt,
		SignedAt:       p.SignedAt,
		LinkExpiresAt:  p.LinkExpiresAt,
	}
	for _, d := range p.Documents {
		doc := documentResponse{
			AgreementType: string(d.AgreementType),
			SignedAt:      d.SignedAt,
		}
		if includeLinks {
			doc.SigningLink = d.SigningLink
		}
		out.Documents = append(out.Documents, doc)
	}
	return out
}

// --- signer endpoints ---

func (h *Handler) viewSigning(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "token is required")
		return
	}

	sc, err := h.intake.View(r.Context(), tok)
	if err != nil {
		writeSignerError(w, err)
		return
	}

	type docView struct {
		AgreementType string `json:"agreementType"`
		Signed        bool   `json:"signed"`
	}
	out := struct {
		PacketID      string    `json:"packetId"`
		AgreementType string    `json:"agreementType"`
		Status        string    `json:"status"`
		ClientName    string    `json:"clientName"`
		TotalFee      float64   `json:"totalFee"`
		Documents     []docView `json:"documents"`
	}{
		PacketID:      sc.PacketID,
		AgreementType: string(sc.AgreementType),
		Status:        string(sc.Status),
		ClientName:    sc.ClientName,
		TotalFee:      sc.TotalFee,
	}
	for _, d := range sc.Documents {
		out.Documents = append(out.Documents, docView{
			AgreementType: string(d.AgreementType),
			Signed:        d.Signed,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type submitBody struct {
	Token          string `json:"token"`
	TypedName      string `json:"typedName"`
	SignatureImage string `json:"signatureImage"`
	ConsentGiven   bool   `json:"consentGiven"`
	ConsentText    string `json:"consentText"`
	ScreenSize     string `json:"screenSize"`
	Timezone       string `json:"timezone"`
}

func (h *Handler) submitSignature(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	receipt, err := h.intake.Submit(r.Context(), &signature.SubmitRequest{
		Token:          body.Token,
		TypedName:      body.TypedName,
		SignatureImage: body.SignatureImage,
		ConsentGiven:   body.ConsentGiven,
		ConsentText:    body.ConsentText,
		ScreenSize:     body.ScreenSize,
		Timezone:       body.Timezone,
		IPAddress:      clientIP(r),
		UserAgent:      r.UserAgent(),
	})
	if err != nil {
		writeSignerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, struct {
		AgreementID  string    `json:"agreementId"`
		PacketID     string    `json:"packetId"`
		PacketStatus string    `json:"packetStatus"`
		SignedAt     time.Time `json:"signedAt"`
	}{
		AgreementID:  receipt.AgreementID,
		PacketID:     receipt.PacketID,
		PacketStatus: string(receipt.PacketStatus),
		SignedAt:     receipt.SignedAt,
	})
}

func (h *Handler) declineSigning(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token  string `json:"token"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}
	if body.Token == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "token is required")
		return
	}

	if err := h.issuer.Decline(r.Context(), body.Token, body.Reason); err != nil {
		writeSignerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "declined"})
}

// --- internal endpoints ---

type issueBody struct {
	LeadID        string  `json:"leadId"`
	AgreementType string  `json:"agreementType"`
	ClientName    string  `json:"clientName"`
	ClientPhone   string  `json:"clientPhone"`
	ClientEmail   string  `json:"clientEmail"`
	TotalFee      float64 `json:"totalFee"`
}

func (h *Handler) issuePacket(w http.ResponseWriter, r *http.Request) {
	var body issueBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}
	if body.LeadID == "" || body.ClientName == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "leadId and clientName are required")
		return
	}
	at, err := packet.ParseAgreementType(body.AgreementType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	p, err := h.issuer.Issue(r.Context(), packet.IssueRequest{
		LeadID:        body.LeadID,
		AgreementType: at,
		ClientName:    body.ClientName,
		ClientPhone:   body.ClientPhone,
		ClientEmail:   body.ClientEmail,
		TotalFee:      body.TotalFee,
	})
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPacketResponse(p, true))
}

func (h *Handler) getPacket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := h.packets.Get(r.Context(), id)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	events, err := h.events.ListByPacket(r.Context(), id)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	type eventResponse struct {
		Type      string         `json:"type"`
		Data      map[string]any `json:"data,omitempty"`
		Source    string         `json:"source,omitempty"`
		CreatedAt time.Time      `json:"createdAt"`
	}
	out := struct {
		packetResponse
		Events []eventResponse `json:"events"`
	}{packetResponse: toPacketResponse(p, true)}
	for _, e := range events {
		out.Events = append(out.Events, eventResponse{
			Type:      string(e.Type),
			Data:      e.Data,
			Source:    e.Source,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) voidPacket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	// Body is optional for void.
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := h.issuer.Void(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "voided"})
}

func (h *Handler) resendPacket(w http.ResponseWriter, r *http.Request) {
	p, err := h.issuer.Resend(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPacketResponse(p, true))
}

func (h *Handler) escalatePacket(w http.ResponseWriter, r *http.Request) {
	if err := h.issuer.Escalate(r.Context(), r.PathValue("id")); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "escalated"})
}

func (h *Handler) listDueReminders(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "validation_error", "limit must be a positive integer")
			return
		}
		limit = n
	}

	due, err := h.packets.ListDueReminders(r.Context(), time.Now().UTC(), h.reminderMax, limit)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	out := make([]packetResponse, 0, len(due))
	for i := range due {
		out = append(out, toPacketResponse(&due[i], false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"packets": out})
}

func (h *Handler) listEscalations(w http.ResponseWriter, r *http.Request) {
	candidates, err := h.packets.ListEscalationCandidates(r.Context(), h.reminderMax)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	out := make([]packetResponse, 0, len(candidates))
	for i := range candidates {
		out = append(out, toPacketResponse(&candidates[i], false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"packets": out})
}

func (h *Handler) triggerReminder(w http.ResponseWriter, r *http.Request) {
	if err := h.reminders.TriggerPacket(r.Context(), r.PathValue("packetId")); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"database": "ok", "queue": "ok"}

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if h.queue != nil {
		if err := h.queue.Ping(ctx); err != nil {
			checks["queue"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, checks)
}

// clientIP prefers X-Forwarded-For since signer traffic arrives through the
// public reverse proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
