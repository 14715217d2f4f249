// Package bus carries live events between the drivers, the agent
// supervisors and connected clients. The hub fans every published event out
// to subscriber channels and mirrors all but the high-volume agent output
// into the audit log.
package bus

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/arctek/awc/kanban"
)

// EventType is one of the closed set of frame types the server emits.
type EventType string

const (
	EventChatStream           EventType = "chat.stream"
	EventChatComplete         EventType = "chat.complete"
	EventChatToolCall         EventType = "chat.tool_call"
	EventChatError            EventType = "chat.error"
	EventChatHandoff          EventType = "chat.handoff"
	EventChatHandoffComplete  EventType = "chat.handoff_complete"
	EventChatTranscription    EventType = "chat.transcription"
	EventChatAudio            EventType = "chat.audio"
	EventWorkspaceAction      EventType = "workspace.action"
	EventPresence             EventType = "presence"
	EventCardAssigned         EventType = "card.assigned"
	EventCardStatus           EventType = "card.status"
	EventAgentLog             EventType = "agent.log"
	EventAgentSpawned         EventType = "agent.spawned"
	EventAgentCompleted       EventType = "agent.completed"
	EventAgentFailed          EventType = "agent.failed"
	EventSystemHeartbeat      EventType = "system.heartbeat"
	EventSystemSynthesizer    EventType = "system.synthesizer"
	EventVerificationStarted  EventType = "verification.started"
	EventVerificationPassed   EventType = "verification.passed"
	EventVerificationFailed   EventType = "verification.failed"
	EventCampaignReport       EventType = "campaign.report"
	EventPing                 EventType = "ping"
	EventPong                 EventType = "pong"
)

var validTypes = map[EventType]bool{
	EventChatStream: true, EventChatComplete: true, EventChatToolCall: true,
	EventChatError: true, EventChatHandoff: true, EventChatHandoffComplete: true,
	EventChatTranscription: true, EventChatAudio: true, EventWorkspaceAction: true,
	EventPresence: true, EventCardAssigned: true, EventCardStatus: true,
	EventAgentLog: true, EventAgentSpawned: true, EventAgentCompleted: true,
	EventAgentFailed: true, EventSystemHeartbeat: true, EventSystemSynthesizer: true,
	EventVerificationStarted: true, EventVerificationPassed: true,
	EventVerificationFailed: true, EventCampaignReport: true,
	EventPing: true, EventPong: true,
}

// Valid reports whether t belongs to the closed set.
func (t EventType) Valid() bool { return validTypes[t] }

// Category is the coarse audit grouping, the part before the first dot.
func (t EventType) Category() string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// Event is one frame on the bus. Data carries the type-specific payload.
type Event struct {
	Type      EventType      `json:"type"`
	ProjectID string         `json:"projectId,omitempty"`
	CardID    string         `json:"cardId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditSink receives a record of every published event except agent.log.
type AuditSink interface {
	RecordAudit(entityType, entityID, action, actor, details string) (*kanban.AuditEntry, error)
}

// DefaultSubscriberBuffer is the channel depth given to subscribers that
// don't ask for one.
const DefaultSubscriberBuffer = 64

// Hub is the in-process event fan-out. Publishing never blocks: a
// subscriber whose buffer is full loses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	closed bool

	audit  AuditSink
	logger *slog.Logger
}

// NewHub creates a hub. audit may be nil, in which case events are not
// mirrored to the audit log.
func NewHub(logger *slog.Logger, audit AuditSink) *Hub {
	return &Hub{
		subs:   make(map[string]chan Event),
		audit:  audit,
		logger: logger,
	}
}

// Subscribe registers a new subscriber and returns its id and receive
// channel. buffer <= 0 uses DefaultSubscriberBuffer.
func (h *Hub) Subscribe(buffer int) (string, <-chan Event) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)
	id := kanban.NewID()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel, cancelling any
// fan-out goroutine draining it.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish validates, stamps, audits and fans out one event. Unknown types
// are dropped with a log line; a full subscriber buffer drops the event for
// that subscriber only.
func (h *Hub) Publish(ev Event) {
	if !ev.Type.Valid() {
		h.logger.Warn("Dropping event of unknown type", "type", ev.Type)
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = kanban.Now()
	}

	if h.audit != nil && ev.Type != EventAgentLog {
		details := ""
		if len(ev.Data) > 0 {
			if raw, err := json.Marshal(ev.Data); err == nil {
				details = string(raw)
			}
		}
		entityID := ev.CardID
		if entityID == "" {
			entityID = ev.ProjectID
		}
		if _, err := h.audit.RecordAudit("event", entityID, string(ev.Type), "bus", details); err != nil {
			h.logger.Error("Failed to audit event", "type", ev.Type, "error", err)
		}
	}

	// Sends are non-blocking, so the read lock is held for the whole
	// fan-out. Unsubscribe takes the write lock before closing a channel,
	// which keeps a close from racing a send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("Subscriber buffer full, dropping event", "type", ev.Type)
		}
	}
}

// Close tears down all subscriptions. Publish becomes a no-op for fan-out.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
