package bus

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/arctek/awc/kanban"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type auditRecorder struct {
	mu      sync.Mutex
	entries []kanban.AuditEntry
}

func (a *auditRecorder) RecordAudit(entityType, entityID, action, actor, details string) (*kanban.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := kanban.AuditEntry{EntityType: entityType, EntityID: entityID, Action: action, Actor: actor, Details: details}
	a.entries = append(a.entries, e)
	return &e, nil
}

func (a *auditRecorder) all() []kanban.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]kanban.AuditEntry(nil), a.entries...)
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event within 1s")
		return Event{}
	}
}

func TestEventTypeValidAndCategory(t *testing.T) {
	if !EventAgentLog.Valid() || !EventPing.Valid() {
		t.Error("known types reported invalid")
	}
	if EventType("card.exploded").Valid() {
		t.Error("unknown type reported valid")
	}
	if got := EventVerificationPassed.Category(); got != "verification" {
		t.Errorf("category = %q", got)
	}
	if got := EventPresence.Category(); got != "presence" {
		t.Errorf("dotless category = %q", got)
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	h := NewHub(testLogger(), nil)
	defer h.Close()

	_, a := h.Subscribe(0)
	_, b := h.Subscribe(0)

	h.Publish(Event{Type: EventCardStatus, CardID: "c1"})

	for _, ch := range []<-chan Event{a, b} {
		ev := recv(t, ch)
		if ev.Type != EventCardStatus || ev.CardID != "c1" {
			t.Errorf("got %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	}
}

func TestPublishDropsUnknownType(t *testing.T) {
	h := NewHub(testLogger(), nil)
	defer h.Close()
	_, ch := h.Subscribe(0)

	h.Publish(Event{Type: "bogus"})
	select {
	case ev := <-ch:
		t.Errorf("unknown type delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	h := NewHub(testLogger(), nil)
	defer h.Close()

	_, slow := h.Subscribe(1)
	_, fast := h.Subscribe(8)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			h.Publish(Event{Type: EventAgentLog, CardID: "c1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	// The slow subscriber keeps its one buffered event; the fast one got all.
	if got := len(slow); got != 1 {
		t.Errorf("slow buffer holds %d, want 1", got)
	}
	if got := len(fast); got != 5 {
		t.Errorf("fast buffer holds %d, want 5", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(testLogger(), nil)
	defer h.Close()

	id, ch := h.Subscribe(0)
	h.Unsubscribe(id)

	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	if n := h.SubscriberCount(); n != 0 {
		t.Errorf("subscriber count = %d, want 0", n)
	}
	// Idempotent.
	h.Unsubscribe(id)
}

func TestPublishAuditsAllButAgentLog(t *testing.T) {
	audit := &auditRecorder{}
	h := NewHub(testLogger(), audit)
	defer h.Close()

	h.Publish(Event{Type: EventAgentSpawned, CardID: "c1", Data: map[string]any{"variant": "claude"}})
	h.Publish(Event{Type: EventAgentLog, CardID: "c1", Data: map[string]any{"line": "compiling"}})
	h.Publish(Event{Type: EventSystemHeartbeat})

	entries := audit.all()
	if len(entries) != 2 {
		t.Fatalf("audited %d events, want 2: %+v", len(entries), entries)
	}
	if entries[0].Action != string(EventAgentSpawned) || entries[0].EntityID != "c1" {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[0].Details == "" {
		t.Error("event data not serialised into details")
	}
	for _, e := range entries {
		if e.Action == string(EventAgentLog) {
			t.Error("agent.log must bypass the audit log")
		}
	}
}

func TestCloseShutsDownAllSubscribers(t *testing.T) {
	h := NewHub(testLogger(), nil)
	_, a := h.Subscribe(0)
	_, b := h.Subscribe(0)

	h.Close()
	for _, ch := range []<-chan Event{a, b} {
		if _, open := <-ch; open {
			t.Error("channel open after hub close")
		}
	}

	// Publish and a late subscribe are harmless after close.
	h.Publish(Event{Type: EventPing})
	_, late := h.Subscribe(0)
	if _, open := <-late; open {
		t.Error("subscription after close should come back closed")
	}
}
