// Package store holds the relay's authoritative session state: who owns
// each session and the message history that backs snapshots.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gastownhall/live-relay/internal/wire"
)

var (
	// ErrAlreadyOwned is returned by Acquire when another actor owns the session.
	ErrAlreadyOwned = errors.New("session already taken over")
	// ErrNotOwner is returned by Release when the caller is not the owner.
	ErrNotOwner = errors.New("not the session owner")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

// previewLen caps firstMessagePreview.
const previewLen = 100

// Ownership arbitrates takeover. Implementations must make Acquire atomic
// per session: first write wins.
type Ownership interface {
	// Acquire makes actor the owner when the session is unowned or already
	// owned by actor. Otherwise it returns the current owner and ErrAlreadyOwned.
	Acquire(ctx context.Context, sessionID, actor string) (string, error)
	// Release clears ownership if actor owns the session, else ErrNotOwner.
	Release(ctx context.Context, sessionID, actor string) error
	// Owner returns the current owner, "" when the AI responder owns it.
	Owner(ctx context.Context, sessionID string) (string, error)
}

// History stores messages per session and conversation number.
type History interface {
	// Append stores msg and reports whether it created the session.
	Append(ctx context.Context, sessionID string, msg wire.Message) (bool, error)
	// Messages returns one conversation's messages in arrival order.
	Messages(ctx context.Context, sessionID string, conversationNumber int) ([]wire.Message, error)
	// LatestConversation returns the highest conversation number seen, 0 if none.
	LatestConversation(ctx context.Context, sessionID string) (int, error)
	// Live lists sessions with activity at or after since, most recent first.
	// TakenOverBy is left empty; callers join it from Ownership.
	Live(ctx context.Context, since time.Time) ([]wire.SessionInfo, error)
}

// Store is the full relay state.
type Store interface {
	Ownership
	History
	Close() error
}

func preview(text string) string {
	r := []rune(text)
	if len(r) <= previewLen {
		return text
	}
	return string(r[:previewLen])
}
