package web

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/arctek/awc/bus"
	"github.com/arctek/awc/kanban"
)

const (
	// Frames above this are treated as hostile and close the channel.
	wsFrameLimit   = 1 << 20
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// clientFrame is what a connected client may send: chat, voice,
// subscribe, ping or pong. Anything else is ignored.
type clientFrame struct {
	Type           string   `json:"type"`
	Text           string   `json:"text,omitempty"`
	Transcript     string   `json:"transcript,omitempty"`
	ProjectID      string   `json:"projectId,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	Types          []string `json:"types,omitempty"`
}

// wsClient is one connected WebSocket peer. Writes are serialised through
// mu; filter narrows which hub events the peer receives (nil means all).
type wsClient struct {
	conn *websocket.Conn

	mu       sync.Mutex
	filter   map[bus.EventType]bool
	lastPong time.Time
}

func (cl *wsClient) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return cl.conn.Write(wctx, websocket.MessageText, data)
}

func (cl *wsClient) wants(t bus.EventType) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.filter == nil || cl.filter[t]
}

func (cl *wsClient) setFilter(types []string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if len(types) == 0 {
		cl.filter = nil
		return
	}
	cl.filter = make(map[bus.EventType]bool, len(types))
	for _, t := range types {
		cl.filter[bus.EventType(t)] = true
	}
}

func (cl *wsClient) pong() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.lastPong = time.Now()
}

func (cl *wsClient) sincePong() time.Duration {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return time.Since(cl.lastPong)
}

// pongOverdue reports whether the peer has gone a full ping interval
// without answering.
func (cl *wsClient) pongOverdue(interval time.Duration) bool {
	return cl.sincePong() > interval
}

// handleWS upgrades the request and runs the duplex stream until either
// side closes. The bearer token may arrive as ?token= because browsers
// cannot set headers on an upgrade request.
func (s *Server) handleWS(c *gin.Context) {
	if !s.authorized(c.Request) {
		c.JSON(401, gin.H{"ok": false, "error": "missing or invalid bearer token"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // single-user tool; the bearer token is the perimeter
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(wsFrameLimit)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	client := &wsClient{conn: conn, lastPong: time.Now()}
	subID, events := s.hub.Subscribe(bus.DefaultSubscriberBuffer)
	defer s.hub.Unsubscribe(subID)

	go s.wsFanOut(ctx, client, events, cancel)
	go s.wsPingLoop(ctx, client, cancel)

	s.wsReadLoop(ctx, client)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// wsFanOut forwards hub events to the peer until the subscription closes
// or a write fails.
func (s *Server) wsFanOut(ctx context.Context, client *wsClient, events <-chan bus.Event, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if !client.wants(ev.Type) {
				continue
			}
			if err := client.write(ctx, ev); err != nil {
				return
			}
		}
	}
}

// wsPingLoop sends a ping every interval and closes peers whose pong is
// overdue by more than one interval.
func (s *Server) wsPingLoop(ctx context.Context, client *wsClient, cancel context.CancelFunc) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if client.pongOverdue(wsPingInterval) {
				s.logger.Debug("Closing unresponsive WebSocket peer")
				_ = client.conn.Close(websocket.StatusGoingAway, "pong overdue")
				cancel()
				return
			}
			ev := bus.Event{Type: bus.EventPing, Timestamp: kanban.Now()}
			if err := client.write(ctx, ev); err != nil {
				cancel()
				return
			}
		}
	}
}

// wsReadLoop processes client frames until the connection drops. Malformed
// frames are skipped; oversize frames fail the read and end the loop.
func (s *Server) wsReadLoop(ctx context.Context, client *wsClient) {
	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "ping":
			_ = client.write(ctx, bus.Event{Type: bus.EventPong, Timestamp: kanban.Now()})
		case "pong":
			client.pong()
		case "subscribe":
			client.setFilter(frame.Types)
		case "chat":
			s.handleChatFrame(frame)
		case "voice":
			s.handleVoiceFrame(frame)
		}
	}
}

// handleChatFrame persists the user's message and routes any workspace
// action blocks it carries. The resulting events reach the peer through
// the normal hub fan-out.
func (s *Server) handleChatFrame(frame clientFrame) {
	text := strings.TrimSpace(frame.Text)
	if text == "" {
		return
	}
	msg := &kanban.Message{
		ConversationID: frame.ConversationID,
		ProjectID:      frame.ProjectID,
		Role:           kanban.RoleUser,
		Content:        text,
	}
	if err := s.store.CreateMessage(msg); err != nil {
		s.logger.Error("Failed to persist chat message", "error", err)
		s.hub.Publish(bus.Event{Type: bus.EventChatError, ProjectID: frame.ProjectID,
			Data: map[string]any{"error": err.Error()}})
		return
	}

	applied := 0
	if s.actions != nil {
		applied = s.actions.Apply(text, frame.ProjectID)
	}
	s.hub.Publish(bus.Event{
		Type:      bus.EventChatComplete,
		ProjectID: frame.ProjectID,
		Data:      map[string]any{"messageId": msg.ID, "actionsApplied": applied},
	})
}

// handleVoiceFrame accepts a client-side transcript, announces it and then
// treats it as chat text.
func (s *Server) handleVoiceFrame(frame clientFrame) {
	transcript := strings.TrimSpace(frame.Transcript)
	if transcript == "" {
		return
	}
	s.hub.Publish(bus.Event{
		Type:      bus.EventChatTranscription,
		ProjectID: frame.ProjectID,
		Data:      map[string]any{"transcript": transcript},
	})
	frame.Text = transcript
	s.handleChatFrame(frame)
}
