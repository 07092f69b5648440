// Package relayclient is the agent-side library for the live relay: it
// subscribes to a conversation's live feed, requests and releases human
// takeover, and sends agent messages. Every action is fire-and-forget; its
// outcome arrives later as a broadcast event or not at all.
package relayclient

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/gastownhall/live-relay/internal/dispatch"
	"github.com/gastownhall/live-relay/internal/transport"
	"github.com/gastownhall/live-relay/internal/wire"
)

// Options configures a Client.
type Options struct {
	// Endpoint is the relay WebSocket URL.
	Endpoint string
	// Actor is the identity the relay reports in takenOverBy for this agent,
	// usually the agent's email.
	Actor  string
	Logger *slog.Logger

	// Transport overrides dialer and timers; Endpoint, OnEvent and Logger
	// are filled in by New.
	Transport transport.Options
}

// Client composes one transport connection, an event dispatcher and the
// takeover coordinator. Create one per signed-in agent.
type Client struct {
	actor  string
	conn   *transport.Conn
	events *dispatch.Dispatcher
	owners *Coordinator
	log    *slog.Logger
	newID  func() string
}

// New creates a disconnected client.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		actor:  opts.Actor,
		events: dispatch.New(logger),
		log:    logger.With("component", "relayclient"),
		newID:  uuid.NewString,
	}
	c.owners = NewCoordinator(opts.Actor)
	c.owners.Attach(c.events)

	topts := opts.Transport
	topts.Endpoint = opts.Endpoint
	topts.Logger = logger
	topts.OnEvent = c.events.Emit
	c.conn = transport.New(topts)
	return c
}

// Actor returns the identity this client acts as.
func (c *Client) Actor() string { return c.actor }

// Connect opens the relay connection with a bearer token.
func (c *Client) Connect(token string) { c.conn.Connect(token) }

// Disconnect closes the connection and cancels any pending reconnect.
func (c *Client) Disconnect() { c.conn.Disconnect() }

// Connected reports whether the socket is currently open.
func (c *Client) Connected() bool { return c.conn.Connected() }

// On registers a handler for an event type or wire.Wildcard and returns
// its unsubscribe function.
func (c *Client) On(eventType string, fn dispatch.Handler) func() {
	return c.events.On(eventType, fn)
}

// Coordinator exposes the ownership view.
func (c *Client) Coordinator() *Coordinator { return c.owners }

// State reports who owns sessionID as last broadcast by the relay.
func (c *Client) State(sessionID string) OwnershipState {
	return c.owners.State(sessionID)
}

// IsOwner reports whether this client's actor owns sessionID.
func (c *Client) IsOwner(sessionID string) bool {
	return c.owners.State(sessionID) == OwnedByMe
}

// Subscribe asks for sessionID's live feed. A conversationNumber of 0 is
// omitted from the frame. The caller is expected to Unsubscribe from the
// previous session first. Returns the request id, "" if nothing was sent.
func (c *Client) Subscribe(sessionID string, conversationNumber int) string {
	if conversationNumber < 0 {
		conversationNumber = 0
	}
	return c.send(wire.Action{
		Action:             wire.ActionSubscribe,
		SessionID:          sessionID,
		ConversationNumber: conversationNumber,
	})
}

// Unsubscribe drops the connection's current subscription.
func (c *Client) Unsubscribe() string {
	return c.send(wire.Action{Action: wire.ActionUnsubscribe})
}

// Takeover requests human ownership of sessionID. Ownership is only
// assumed once the relay broadcasts takeover_started naming this actor.
func (c *Client) Takeover(sessionID string) string {
	return c.send(wire.Action{Action: wire.ActionTakeover, SessionID: sessionID})
}

// Release hands sessionID back to the AI responder.
func (c *Client) Release(sessionID string) string {
	return c.send(wire.Action{Action: wire.ActionRelease, SessionID: sessionID})
}

// SendMessage sends an agent message into sessionID. It is refused locally
// unless the relay has confirmed this actor as owner; the relay enforces the
// same rule.
func (c *Client) SendMessage(sessionID, text string, conversationNumber int) string {
	if !c.IsOwner(sessionID) {
		c.log.Warn("not the session owner, message not sent", "sessionId", sessionID)
		return ""
	}
	return c.send(wire.Action{
		Action:             wire.ActionSendMessage,
		SessionID:          sessionID,
		Text:               text,
		ConversationNumber: wire.NormalizeConversation(conversationNumber),
	})
}

func (c *Client) send(a wire.Action) string {
	a.RequestID = c.newID()
	if !c.conn.Send(a) {
		return ""
	}
	return a.RequestID
}
