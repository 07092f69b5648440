package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/gastownhall/live-relay/internal/store"
	"github.com/gastownhall/live-relay/internal/wire"
)

const (
	sendBuffer   = 256
	writeTimeout = 5 * time.Second
	storeTimeout = 5 * time.Second
)

// Client is one agent connection. It holds at most one subscription.
type Client struct {
	id      string
	actor   string
	conn    *websocket.Conn
	server  *Server
	send    chan []byte
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc

	// session is guarded by server.mu.
	session string
}

func newClient(conn *websocket.Conn, server *Server, actor string) *Client {
	ctx, cancel := context.WithCancel(server.ctx)
	limit := rate.Inf
	if server.actionRate > 0 {
		limit = rate.Limit(server.actionRate)
	}
	burst := server.burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		id:      uuid.NewString(),
		actor:   actor,
		conn:    conn,
		server:  server,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(limit, burst),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Client) run() {
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer c.cancel()
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			c.sendError(wire.Action{}, "binary frames are not supported")
			continue
		}
		c.handleTextMessage(data)
	}
}

func (c *Client) writePump() {
	// going away, not normal closure: agents reconnect after a relay restart
	defer func() { _ = c.conn.Close(websocket.StatusGoingAway, "relay closing") }()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// sendRaw queues an encoded frame, dropping it if the client is not keeping up.
func (c *Client) sendRaw(data []byte) {
	select {
	case c.send <- data:
	default:
		c.server.log.Warn("dropping frame for slow client", "actor", c.actor, "client", c.id)
	}
}

func (c *Client) sendEvent(ev wire.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.server.log.Error("failed to marshal event", "type", ev.Type, "err", err)
		return
	}
	c.sendRaw(data)
}

func (c *Client) sendError(a wire.Action, msg string) {
	c.sendEvent(wire.Event{
		Type:      wire.EventError,
		SessionID: a.SessionID,
		Error:     msg,
		RequestID: a.RequestID,
	})
}

func (c *Client) handleTextMessage(data []byte) {
	var a wire.Action
	if err := json.Unmarshal(data, &a); err != nil {
		c.server.metrics.Action("unknown", "invalid")
		c.sendError(wire.Action{}, "invalid JSON")
		return
	}
	if !c.limiter.Allow() {
		c.server.metrics.Action(a.Action, "rate_limited")
		c.sendError(a, "rate limit exceeded")
		return
	}

	var result string
	switch a.Action {
	case wire.ActionSubscribe:
		result = c.handleSubscribe(a)
	case wire.ActionUnsubscribe:
		c.server.unwatch(c)
		result = "ok"
	case wire.ActionTakeover:
		result = c.handleTakeover(a)
	case wire.ActionRelease:
		result = c.handleRelease(a)
	case wire.ActionSendMessage:
		result = c.handleSendMessage(a)
	default:
		c.sendError(a, "unknown action: "+a.Action)
		c.server.metrics.Action("unknown", "invalid")
		return
	}
	c.server.metrics.Action(a.Action, result)
}

func (c *Client) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, storeTimeout)
}

func (c *Client) handleSubscribe(a wire.Action) string {
	if a.SessionID == "" {
		c.sendError(a, "sessionId is required")
		return "invalid"
	}
	s := c.server
	conv := wire.NormalizeConversation(a.ConversationNumber)
	ctx, cancel := c.storeContext()
	defer cancel()

	// the snapshot is queued before the session unlocks so no new_message
	// can overtake it
	unlock := s.locks.Lock(a.SessionID)
	defer unlock()

	msgs, err := s.store.Messages(ctx, a.SessionID, conv)
	if err != nil {
		s.log.Error("failed to load session", "sessionId", a.SessionID, "err", err)
		c.sendError(a, "failed to load session")
		return "error"
	}
	owner, err := s.store.Owner(ctx, a.SessionID)
	if err != nil {
		s.log.Error("failed to load session owner", "sessionId", a.SessionID, "err", err)
		c.sendError(a, "failed to load session")
		return "error"
	}
	s.reconcileOwnerLocked(a.SessionID, owner)
	s.watch(c, a.SessionID)
	c.sendEvent(wire.Event{
		Type:               wire.EventSessionMessages,
		SessionID:          a.SessionID,
		ConversationNumber: conv,
		Messages:           msgs,
		TakenOverBy:        wire.OwnerPtr(owner),
		RequestID:          a.RequestID,
	})
	return "ok"
}

func (c *Client) handleTakeover(a wire.Action) string {
	if a.SessionID == "" {
		c.sendError(a, "sessionId is required")
		return "invalid"
	}
	s := c.server
	ctx, cancel := c.storeContext()
	defer cancel()

	unlock := s.locks.Lock(a.SessionID)
	owner, err := s.store.Acquire(ctx, a.SessionID, c.actor)
	switch {
	case errors.Is(err, store.ErrAlreadyOwned):
		unlock()
		s.metrics.Takeover("rejected")
		s.log.Info("takeover refused", "sessionId", a.SessionID, "actor", c.actor, "owner", owner)
		c.sendEvent(wire.Event{
			Type:        wire.EventError,
			SessionID:   a.SessionID,
			Error:       fmt.Sprintf("session already taken over by %s", owner),
			TakenOverBy: wire.OwnerPtr(owner),
			RequestID:   a.RequestID,
		})
		return "rejected"
	case err != nil:
		unlock()
		s.log.Error("takeover failed", "sessionId", a.SessionID, "actor", c.actor, "err", err)
		c.sendError(a, "takeover failed")
		return "error"
	}
	s.setOwner(a.SessionID, owner)
	s.deliver(a.SessionID, wire.Event{
		Type:        wire.EventTakeoverStarted,
		SessionID:   a.SessionID,
		TakenOverBy: wire.OwnerPtr(owner),
		RequestID:   a.RequestID,
	}, c)
	unlock()

	s.metrics.Takeover("acquired")
	s.log.Info("session taken over", "sessionId", a.SessionID, "actor", c.actor)
	s.broadcastAll(wire.Event{Type: wire.EventSessionUpdate, SessionID: a.SessionID, TakenOverBy: wire.OwnerPtr(owner)})
	return "ok"
}

func (c *Client) handleRelease(a wire.Action) string {
	if a.SessionID == "" {
		c.sendError(a, "sessionId is required")
		return "invalid"
	}
	s := c.server
	ctx, cancel := c.storeContext()
	defer cancel()

	unlock := s.locks.Lock(a.SessionID)
	err := s.store.Release(ctx, a.SessionID, c.actor)
	switch {
	case errors.Is(err, store.ErrNotOwner):
		unlock()
		s.metrics.Takeover("release_rejected")
		c.sendError(a, "not the session owner")
		return "rejected"
	case err != nil:
		unlock()
		s.log.Error("release failed", "sessionId", a.SessionID, "actor", c.actor, "err", err)
		c.sendError(a, "release failed")
		return "error"
	}
	s.setOwner(a.SessionID, "")
	s.deliver(a.SessionID, wire.Event{
		Type:      wire.EventTakeoverEnded,
		SessionID: a.SessionID,
		RequestID: a.RequestID,
	}, c)
	unlock()

	s.metrics.Takeover("released")
	s.log.Info("session released", "sessionId", a.SessionID, "actor", c.actor)
	s.broadcastAll(wire.Event{Type: wire.EventSessionUpdate, SessionID: a.SessionID})
	return "ok"
}

func (c *Client) handleSendMessage(a wire.Action) string {
	if a.SessionID == "" {
		c.sendError(a, "sessionId is required")
		return "invalid"
	}
	if strings.TrimSpace(a.Text) == "" {
		c.sendError(a, "text is required")
		return "invalid"
	}
	s := c.server
	ctx, cancel := c.storeContext()
	defer cancel()

	unlock := s.locks.Lock(a.SessionID)
	owner, err := s.store.Owner(ctx, a.SessionID)
	if err != nil {
		unlock()
		s.log.Error("failed to load session owner", "sessionId", a.SessionID, "err", err)
		c.sendError(a, "send failed")
		return "error"
	}
	s.reconcileOwnerLocked(a.SessionID, owner)
	if owner != c.actor {
		unlock()
		c.sendError(a, "not the session owner")
		return "rejected"
	}
	// an accepted send keeps the takeover alive
	if _, err := s.store.Acquire(ctx, a.SessionID, c.actor); err != nil {
		unlock()
		s.log.Error("failed to refresh takeover", "sessionId", a.SessionID, "actor", c.actor, "err", err)
		c.sendError(a, "send failed")
		return "error"
	}

	msg := wire.Message{
		Role:               wire.RoleAssistant,
		Text:               a.Text,
		Timestamp:          s.now().Unix(),
		SentBy:             wire.AgentSender(c.actor),
		ConversationNumber: a.ConversationNumber,
	}
	created, err := s.appendLocked(ctx, a.SessionID, &msg)
	unlock()
	if err != nil {
		s.log.Error("failed to store agent message", "sessionId", a.SessionID, "err", err)
		c.sendError(a, "send failed")
		return "error"
	}
	if created {
		s.sessionCreated(a.SessionID, msg.Timestamp)
	}
	return "ok"
}
