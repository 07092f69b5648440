package relayclient

import (
	"sync"

	"github.com/gastownhall/live-relay/internal/dispatch"
	"github.com/gastownhall/live-relay/internal/wire"
)

// OwnershipState is a session's owner as seen from one actor.
type OwnershipState int

const (
	// AIOwned means nobody has taken the session over.
	AIOwned OwnershipState = iota
	// OwnedByMe means the relay confirmed this actor as owner.
	OwnedByMe
	// OwnedByOther means another actor owns the session; read-only here.
	OwnedByOther
)

func (s OwnershipState) String() string {
	switch s {
	case OwnedByMe:
		return "mine"
	case OwnedByOther:
		return "other"
	default:
		return "ai"
	}
}

// Registrar accepts event handler registrations. *dispatch.Dispatcher and
// *Client both satisfy it.
type Registrar interface {
	On(eventType string, fn dispatch.Handler) func()
}

// Coordinator tracks takenOverBy per session purely from relay events. It
// never changes state because an action was sent.
type Coordinator struct {
	actor string

	mu     sync.RWMutex
	owners map[string]string
}

// NewCoordinator creates a coordinator for actor.
func NewCoordinator(actor string) *Coordinator {
	return &Coordinator{actor: actor, owners: make(map[string]string)}
}

// Attach subscribes the coordinator to the ownership-bearing events.
func (c *Coordinator) Attach(d Registrar) func() {
	offs := []func(){
		d.On(wire.EventSessionMessages, c.Apply),
		d.On(wire.EventTakeoverStarted, c.Apply),
		d.On(wire.EventTakeoverEnded, c.Apply),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// Apply folds one relay event into the ownership view.
func (c *Coordinator) Apply(ev wire.Event) {
	if ev.SessionID == "" {
		return
	}
	switch ev.Type {
	case wire.EventSessionMessages, wire.EventTakeoverStarted:
		c.set(ev.SessionID, ev.Owner())
	case wire.EventTakeoverEnded:
		c.set(ev.SessionID, "")
	}
}

// Seed records an owner learned out of band, e.g. from the REST session
// listing, before the socket has delivered anything for the session.
func (c *Coordinator) Seed(sessionID, owner string) {
	c.set(sessionID, owner)
}

func (c *Coordinator) set(sessionID, owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner == "" {
		delete(c.owners, sessionID)
		return
	}
	c.owners[sessionID] = owner
}

// Owner returns the last known takenOverBy for sessionID.
func (c *Coordinator) Owner(sessionID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owners[sessionID]
}

// State classifies sessionID for this coordinator's actor.
func (c *Coordinator) State(sessionID string) OwnershipState {
	owner := c.Owner(sessionID)
	switch {
	case owner == "":
		return AIOwned
	case c.actor != "" && owner == c.actor:
		return OwnedByMe
	default:
		return OwnedByOther
	}
}
