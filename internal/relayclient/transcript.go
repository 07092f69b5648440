package relayclient

import (
	"slices"
	"sync"

	"github.com/gastownhall/live-relay/internal/wire"
)

// Transcript keeps the messages the relay delivered, keyed by session id,
// so a stale snapshot for a session that is no longer selected lands in its
// own slot instead of the visible one. Stored order is arrival order;
// Messages returns them by timestamp.
type Transcript struct {
	mu       sync.RWMutex
	sessions map[string][]wire.Message
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{sessions: make(map[string][]wire.Message)}
}

// Attach subscribes the transcript to snapshot and new-message events.
func (t *Transcript) Attach(d Registrar) func() {
	offSnap := d.On(wire.EventSessionMessages, t.Apply)
	offNew := d.On(wire.EventNewMessage, t.Apply)
	return func() {
		offSnap()
		offNew()
	}
}

// Apply folds one relay event into the transcript.
func (t *Transcript) Apply(ev wire.Event) {
	if ev.SessionID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case wire.EventSessionMessages:
		t.sessions[ev.SessionID] = slices.Clone(ev.Messages)
	case wire.EventNewMessage:
		if ev.Message != nil {
			t.sessions[ev.SessionID] = append(t.sessions[ev.SessionID], *ev.Message)
		}
	}
}

// Messages returns sessionID's messages ordered by timestamp; ties keep
// arrival order.
func (t *Transcript) Messages(sessionID string) []wire.Message {
	t.mu.RLock()
	out := slices.Clone(t.sessions[sessionID])
	t.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b wire.Message) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
	return out
}

// Forget drops a session's cached messages.
func (t *Transcript) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

// Sessions lists the session ids with cached messages.
func (t *Transcript) Sessions() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
