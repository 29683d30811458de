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

package reminder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/claimhawk/esign/internal/audit"
	"github.com/claimhawk/esign/internal/packet"
	"github.com/claimhawk/esign/internal/sms"
)

type fakePacketStore struct {
	mu      sync.Mutex
	packets map[string]*packet.Packet
	expired []string
}

func newFakePacketStore() *fakePacketStore {
	return &fakePacketStore{packets: make(map[string]*packet.Packet)}
}

func (f *fakePacketStore) add(p *packet.Packet) { f.packets[p.ID] = p }

func (f *fakePacketStore) ListDueReminders(_ context.Context, now time.Time, maxReminders, limit int) ([]packet.Packet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []packet.Packet
	for _, p := range f.packets {
		if p.Resolved() || p.EscalatedAt != nil || p.ReminderCount >= maxReminders {
			continue
		}
		if p.NextReminderAt == nil || p.NextReminderAt.After(now) {
			continue
		}
		due = append(due, *p)
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (f *fakePacketStore) Get(_ context.Context, id string) (*packet.Packet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.packets[id]
	if !ok {
		return nil, packet.ErrNotFound
	}
	cp := *p
	cp.Documents = append([]packet.Document(nil), p.Documents...)
	return &cp, nil
}

func (f *fakePacketStore) AdvanceReminder(_ context.Context, id string, fromCount int, next *time.Time, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.packets[id]
	if !ok || p.ReminderCount != fromCount {
		return false, nil
	}
	p.ReminderCount++
	p.LastReminderAt = &at
	p.NextReminderAt = next
	return true, nil
}

func (f *fakePacketStore) MarkExpired(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.packets[id]
	if !ok {
		return packet.ErrNotFound
	}
	p.Status = packet.StatusExpired
	f.expired = append(f.expired, id)
	return nil
}

type sentMessage struct {
	phone string
	body  string
	lead  string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	fail bool
}

func (f *fakeSender) Send(_ context.Context, phone, body, lead string) (sms.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{phone, body, lead})
	if f.fail {
		return sms.SendResult{Error: "gateway returned HTTP 502"}, errors.New("sms gateway returned HTTP 502")
	}
	return sms.SendResult{Success: true, ProviderMessageID: "msg-1"}, nil
}

type loggedEvent struct {
	packetID string
	typ      audit.EventType
	data     map[string]any
	source   string
}

type fakeEvents struct {
	mu     sync.Mutex
	events []loggedEvent
}

func (f *fakeEvents) Append(_ context.Context, packetID string, t audit.EventType, data map[string]any, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, loggedEvent{packetID, t, data, source})
	return nil
}

func (f *fakeEvents) byType(t audit.EventType) []loggedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []loggedEvent
	for _, e := range f.events {
		if e.typ == t {
			out = append(out, e)
		}
	}
	return out
}

func duePacket(id string, count int) *packet.Packet {
	due := time.Now().Add(-time.Minute)
	linkExpires := time.Now().Add(24 * time.Hour)
	return &packet.Packet{
		ID:             id,
		LeadID:         "L-" + id,
		AgreementType:  packet.AgreementExcessFunds,
		Status:         packet.StatusSent,
		ClientName:     "John Smith",
		ClientPhone:    "+15125550100",
		ReminderCount:  count,
		NextReminderAt: &due,
		LinkExpiresAt:  &linkExpires,
		Documents: []packet.Document{
			{PacketID: id, AgreementType: packet.AgreementExcessFunds, SigningLink: "https://sign.example.com/sign?token=abc"},
		},
	}
}

func newTestScheduler(store *fakePacketStore, sender *fakeSender, events *fakeEvents) *Scheduler {
	return NewScheduler(Config{
		Store:   store,
		Sender:  sender,
		Events:  events,
		Cadence: []time.Duration{24 * time.Hour, 48 * time.Hour},
		Max:     3,
		Batch:   50,
	})
}

func TestScan_SendsDueReminder(t *testing.T) {
	store := newFakePacketStore()
	sender := &fakeSender{}
	events := &fakeEvents{}
	store.add(duePacket("p1", 0))

	report, err := newTestScheduler(store, sender, events).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if report.Scanned != 1 || report.Sent != 1 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sms sent = %d, want 1", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.phone != "+15125550100" || msg.lead != "L-p1" {
		t.Errorf("message = %+v", msg)
	}

	p, _ := store.Get(context.Background(), "p1")
	if p.ReminderCount != 1 {
		t.Errorf("reminder count = %d, want 1", p.ReminderCount)
	}
	if p.NextReminderAt == nil {
		t.Fatal("next reminder not scheduled")
	}
	gap := time.Until(*p.NextReminderAt)
	if gap < 23*time.Hour || gap > 25*time.Hour {
		t.Errorf("next reminder in %s, want ~24h", gap)
	}

	sent := events.byType(audit.EventReminderSent)
	if len(sent) != 1 {
		t.Fatalf("REMINDER_SENT events = %d, want 1", len(sent))
	}
	if sent[0].data["sms_sent"] != true || sent[0].data["reminder_number"] != 1 {
		t.Errorf("event data = %+v", sent[0].data)
	}
	if sent[0].data["provider_message_id"] != "msg-1" {
		t.Errorf("provider_message_id = %v", sent[0].data["provider_message_id"])
	}
}

func TestScan_CadenceProgression(t *testing.T) {
	tests := []struct {
		name    string
		count   int
		wantGap time.Duration
		wantNil bool
	}{
		{"after first reminder", 0, 24 * time.Hour, false},
		{"after second reminder", 1, 48 * time.Hour, false},
		{"after third reminder", 2, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakePacketStore()
			events := &fakeEvents{}
			store.add(duePacket("p1", tt.count))

			if _, err := newTestScheduler(store, &fakeSender{}, events).Scan(context.Background()); err != nil {
				t.Fatalf("Scan: %v", err)
			}

			p, _ := store.Get(context.Background(), "p1")
			if p.ReminderCount != tt.count+1 {
				t.Errorf("reminder count = %d, want %d", p.ReminderCount, tt.count+1)
			}
			if tt.wantNil {
				if p.NextReminderAt != nil {
					t.Errorf("next reminder = %v, want nil after final reminder", p.NextReminderAt)
				}
				return
			}
			if p.NextReminderAt == nil {
				t.Fatal("next reminder not scheduled")
			}
			gap := time.Until(*p.NextReminderAt)
			if gap < tt.wantGap-time.Hour || gap > tt.wantGap+time.Hour {
				t.Errorf("next reminder in %s, want ~%s", gap, tt.wantGap)
			}
		})
	}
}

// TestScan_SMSFailureStillAdvances verifies a dead gateway records the
// failure but does not leave the packet due on the next scan.
func TestScan_SMSFailureStillAdvances(t *testing.T) {
	store := newFakePacketStore()
	sender := &fakeSender{fail: true}
	events := &fakeEvents{}
	store.add(duePacket("p1", 0))

	report, err := newTestScheduler(store, sender, events).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if report.Failed != 1 || report.Sent != 0 {
		t.Errorf("report = %+v", report)
	}

	p, _ := store.Get(context.Background(), "p1")
	if p.ReminderCount != 1 {
		t.Errorf("reminder count = %d, want 1 despite sms failure", p.ReminderCount)
	}

	sent := events.byType(audit.EventReminderSent)
	if len(sent) != 1 {
		t.Fatalf("REMINDER_SENT events = %d, want 1", len(sent))
	}
	if sent[0].data["sms_sent"] != false {
		t.Errorf("sms_sent = %v, want false", sent[0].data["sms_sent"])
	}
	if sent[0].data["sms_error"] == "" {
		t.Error("sms_error not recorded")
	}
}

// TestScan_SkipsJustResolved verifies the re-fetch catches a packet signed
// between the list query and the send.
func TestScan_SkipsJustResolved(t *testing.T) {
	store := newFakePacketStore()
	sender := &fakeSender{}
	events := &fakeEvents{}
	p := duePacket("p1", 1)
	store.add(p)

	s := newTestScheduler(store, sender, events)

	// Resolve after listing would have found it.
	store.mu.Lock()
	store.packets["p1"].Status = packet.StatusSigned
	store.mu.Unlock()

	report, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if report.Sent != 0 || len(sender.sent) != 0 {
		t.Errorf("reminder sent to resolved packet: report = %+v", report)
	}
}

func TestScan_LazyExpiry(t *testing.T) {
	store := newFakePacketStore()
	sender := &fakeSender{}
	events := &fakeEvents{}
	p := duePacket("p1", 0)
	past := time.Now().Add(-time.Hour)
	p.LinkExpiresAt = &past
	store.add(p)

	report, err := newTestScheduler(store, sender, events).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if report.Skipped != 1 || len(sender.sent) != 0 {
		t.Errorf("report = %+v, sms = %d", report, len(sender.sent))
	}

	got, _ := store.Get(context.Background(), "p1")
	if got.Status != packet.StatusExpired {
		t.Errorf("status = %s, want EXPIRED", got.Status)
	}
	if len(events.byType(audit.EventExpired)) != 1 {
		t.Error("EXPIRED event not appended")
	}
}

func TestScan_MessageEscalates(t *testing.T) {
	store := newFakePacketStore()
	sender := &fakeSender{}
	events := &fakeEvents{}
	s := newTestScheduler(store, sender, events)

	first := s.messageFor(duePacket("p1", 0), 1)
	second := s.messageFor(duePacket("p1", 1), 2)
	final := s.messageFor(duePacket("p1", 2), 3)

	if first == second || second == final || first == final {
		t.Errorf("reminder texts do not escalate:\n1: %s\n2: %s\n3: %s", first, second, final)
	}
	for i, msg := range []string{first, second, final} {
		if msg == "" {
			t.Errorf("reminder %d is empty", i+1)
		}
	}
}

func TestPreviewTruncation(t *testing.T) {
	long := strings.Repeat("ü", 100)
	if got := preview(long, 80); len([]rune(got)) != 80 {
		t.Errorf("preview length = %d runes, want 80", len([]rune(got)))
	}
	if got := preview("short", 80); got != "short" {
		t.Errorf("preview(%q) = %q", "short", got)
	}
}

func TestTriggerPacket(t *testing.T) {
	store := newFakePacketStore()
	sender := &fakeSender{}
	events := &fakeEvents{}
	s := newTestScheduler(store, sender, events)

	// Not yet due but manually triggered.
	p := duePacket("p1", 0)
	future := time.Now().Add(12 * time.Hour)
	p.NextReminderAt = &future
	store.add(p)

	if err := s.TriggerPacket(context.Background(), "p1"); err != nil {
		t.Fatalf("TriggerPacket: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Errorf("sms sent = %d, want 1", len(sender.sent))
	}

	// Exhausted cadence is refused.
	store.add(duePacket("p2", 3))
	if err := s.TriggerPacket(context.Background(), "p2"); !errors.Is(err, ErrReminderExhausted) {
		t.Errorf("err = %v, want ErrReminderExhausted", err)
	}

	// Resolved packet is refused.
	done := duePacket("p3", 0)
	done.Status = packet.StatusSigned
	store.add(done)
	if err := s.TriggerPacket(context.Background(), "p3"); !errors.Is(err, packet.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}

	if err := s.TriggerPacket(context.Background(), "missing"); !errors.Is(err, packet.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
