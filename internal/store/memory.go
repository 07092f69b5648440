package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/gastownhall/live-relay/internal/wire"
)

type ownerEntry struct {
	actor   string
	expires time.Time // zero = never
}

type sessionLog struct {
	conversations map[int][]wire.Message
	previews      map[int]string
	latest        int
	lastActivity  int64
}

// Memory is a single-process Store.
type Memory struct {
	mu       sync.Mutex
	owners   map[string]ownerEntry
	sessions map[string]*sessionLog
	ownerTTL time.Duration
	now      func() time.Time
	closed   bool
}

// NewMemory creates an empty in-memory store. ownerTTL of 0 keeps
// takeovers until released.
func NewMemory(ownerTTL time.Duration) *Memory {
	return &Memory{
		owners:   make(map[string]ownerEntry),
		sessions: make(map[string]*sessionLog),
		ownerTTL: ownerTTL,
		now:      time.Now,
	}
}

// ownerLocked returns the live owner, dropping an expired entry.
func (m *Memory) ownerLocked(sessionID string) string {
	e, ok := m.owners[sessionID]
	if !ok {
		return ""
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.owners, sessionID)
		return ""
	}
	return e.actor
}

func (m *Memory) entry(actor string) ownerEntry {
	e := ownerEntry{actor: actor}
	if m.ownerTTL > 0 {
		e.expires = m.now().Add(m.ownerTTL)
	}
	return e
}

func (m *Memory) Acquire(_ context.Context, sessionID, actor string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}

	cur := m.ownerLocked(sessionID)
	if cur != "" && cur != actor {
		return cur, ErrAlreadyOwned
	}
	m.owners[sessionID] = m.entry(actor)
	return actor, nil
}

func (m *Memory) Release(_ context.Context, sessionID, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if m.ownerLocked(sessionID) != actor || actor == "" {
		return ErrNotOwner
	}
	delete(m.owners, sessionID)
	return nil
}

func (m *Memory) Owner(_ context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	return m.ownerLocked(sessionID), nil
}

func (m *Memory) Append(_ context.Context, sessionID string, msg wire.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}

	msg.ConversationNumber = wire.NormalizeConversation(msg.ConversationNumber)
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &sessionLog{
			conversations: make(map[int][]wire.Message),
			previews:      make(map[int]string),
		}
		m.sessions[sessionID] = s
	}
	n := msg.ConversationNumber
	s.conversations[n] = append(s.conversations[n], msg)
	if _, seen := s.previews[n]; !seen && msg.Role == wire.RoleUser {
		s.previews[n] = preview(msg.Text)
	}
	if n > s.latest {
		s.latest = n
	}
	if msg.Timestamp > s.lastActivity {
		s.lastActivity = msg.Timestamp
	}
	return !ok, nil
}

func (m *Memory) Messages(_ context.Context, sessionID string, conversationNumber int) ([]wire.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	s, ok := m.sessions[sessionID]
	if !ok {
		return []wire.Message{}, nil
	}
	msgs := slices.Clone(s.conversations[wire.NormalizeConversation(conversationNumber)])
	if msgs == nil {
		msgs = []wire.Message{}
	}
	return msgs, nil
}

func (m *Memory) LatestConversation(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if s, ok := m.sessions[sessionID]; ok {
		return s.latest, nil
	}
	return 0, nil
}

func (m *Memory) Live(_ context.Context, since time.Time) ([]wire.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	cutoff := since.Unix()
	out := make([]wire.SessionInfo, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.lastActivity < cutoff {
			continue
		}
		out = append(out, wire.SessionInfo{
			SessionID:           id,
			LastActivity:        s.lastActivity,
			MessageCount:        len(s.conversations[s.latest]),
			FirstMessagePreview: s.previews[s.latest],
			ConversationNumber:  s.latest,
		})
	}
	sortLive(out)
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func sortLive(infos []wire.SessionInfo) {
	slices.SortFunc(infos, func(a, b wire.SessionInfo) int {
		switch {
		case a.LastActivity > b.LastActivity:
			return -1
		case a.LastActivity < b.LastActivity:
			return 1
		}
		if a.SessionID < b.SessionID {
			return -1
		}
		if a.SessionID > b.SessionID {
			return 1
		}
		return 0
	})
}
