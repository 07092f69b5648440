package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/gastownhall/live-relay/internal/relay"
	"github.com/gastownhall/live-relay/internal/transport"
	"github.com/gastownhall/live-relay/internal/wire"
)

// pipeSocket is an in-memory transport.Socket fed by the test.
type pipeSocket struct {
	in     chan []byte
	done   chan struct{}
	writes chan wire.Action
	once   sync.Once
}

func newPipeSocket() *pipeSocket {
	return &pipeSocket{
		in:     make(chan []byte, 16),
		done:   make(chan struct{}),
		writes: make(chan wire.Action, 16),
	}
}

func (s *pipeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.done:
		return nil, websocket.CloseError{Code: websocket.StatusNormalClosure}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *pipeSocket) Write(_ context.Context, data []byte) error {
	var a wire.Action
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	s.writes <- a
	return nil
}

func (s *pipeSocket) Close(websocket.StatusCode, string) error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *pipeSocket) push(t *testing.T, ev wire.Event) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	s.in <- data
}

type pipeDialer struct{ sock *pipeSocket }

func (d pipeDialer) Dial(context.Context, string) (transport.Socket, error) {
	if d.sock == nil {
		return nil, errors.New("connection refused")
	}
	return d.sock, nil
}

func newPipeClient(t *testing.T, actor string) (*Client, *pipeSocket) {
	t.Helper()
	sock := newPipeSocket()
	c := New(Options{
		Endpoint:  "ws://relay.test/ws",
		Actor:     actor,
		Transport: transport.Options{Dialer: pipeDialer{sock: sock}},
	})
	c.Connect("tok")
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)
	t.Cleanup(c.Disconnect)
	return c, sock
}

// recorder collects every dispatched event.
type recorder struct {
	mu     sync.Mutex
	events []wire.Event
}

func (r *recorder) add(ev wire.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) has(pred func(wire.Event) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if pred(ev) {
			return true
		}
	}
	return false
}

func waitEvent(t *testing.T, r *recorder, pred func(wire.Event) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return r.has(pred) }, 2*time.Second, 5*time.Millisecond)
}

func TestOwnershipRequiresEcho(t *testing.T) {
	c, sock := newPipeClient(t, "alice")
	rec := &recorder{}
	c.On(wire.Wildcard, rec.add)

	id := c.Takeover("s1")
	require.NotEmpty(t, id)
	a := <-sock.writes
	require.Equal(t, wire.ActionTakeover, a.Action)
	require.Equal(t, id, a.RequestID)
	require.False(t, c.IsOwner("s1"))

	sock.push(t, wire.Event{Type: wire.EventTakeoverStarted, SessionID: "s1", TakenOverBy: wire.OwnerPtr("bob")})
	waitEvent(t, rec, func(ev wire.Event) bool { return ev.Type == wire.EventTakeoverStarted })
	require.Equal(t, OwnedByOther, c.State("s1"))
	require.False(t, c.IsOwner("s1"))

	sock.push(t, wire.Event{Type: wire.EventTakeoverEnded, SessionID: "s1"})
	sock.push(t, wire.Event{Type: wire.EventTakeoverStarted, SessionID: "s1", TakenOverBy: wire.OwnerPtr("alice")})
	require.Eventually(t, func() bool { return c.IsOwner("s1") }, time.Second, 5*time.Millisecond)
}

func TestReleaseDoesNotChangeStateLocally(t *testing.T) {
	c, sock := newPipeClient(t, "alice")
	rec := &recorder{}
	c.On(wire.EventTakeoverStarted, rec.add)

	sock.push(t, wire.Event{Type: wire.EventTakeoverStarted, SessionID: "s1", TakenOverBy: wire.OwnerPtr("bob")})
	waitEvent(t, rec, func(wire.Event) bool { return true })

	require.NotEmpty(t, c.Release("s1"))
	<-sock.writes
	require.Equal(t, OwnedByOther, c.State("s1"))

	// the relay's rejection carries the owner but is not an ownership event
	sock.push(t, wire.Event{Type: wire.EventError, SessionID: "s1", Error: "not the session owner"})
	require.Never(t, func() bool { return c.State("s1") != OwnedByOther }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSendMessageRefusedWhenNotOwner(t *testing.T) {
	c, sock := newPipeClient(t, "alice")

	require.Empty(t, c.SendMessage("s1", "hi", 1))
	select {
	case a := <-sock.writes:
		t.Fatalf("unexpected frame %+v", a)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeFrames(t *testing.T) {
	c, sock := newPipeClient(t, "alice")

	c.Subscribe("s1", 0)
	a := <-sock.writes
	require.Equal(t, wire.ActionSubscribe, a.Action)
	require.Equal(t, "s1", a.SessionID)
	require.Zero(t, a.ConversationNumber)

	c.Subscribe("s1", 3)
	require.Equal(t, 3, (<-sock.writes).ConversationNumber)

	c.Unsubscribe()
	a = <-sock.writes
	require.Equal(t, wire.ActionUnsubscribe, a.Action)
	require.Empty(t, a.SessionID)
}

func TestActionsWhileDisconnected(t *testing.T) {
	c := New(Options{Endpoint: "ws://relay.test/ws", Actor: "alice", Transport: transport.Options{Dialer: pipeDialer{}}})
	require.Empty(t, c.Subscribe("s1", 1))
	require.Empty(t, c.Takeover("s1"))
	require.Empty(t, c.Release("s1"))
	require.Empty(t, c.Unsubscribe())
	require.False(t, c.Connected())
	c.Disconnect()
}

func TestEndToEndTakeoverAndSend(t *testing.T) {
	const (
		agentToken = "agent-token"
		agent      = "agent@x.com"
	)
	srv := relay.NewServer(relay.Options{
		Agents: map[string]string{agentToken: agent},
		Now:    func() time.Time { return time.Unix(1005, 0) },
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	body, err := json.Marshal(wire.Message{Role: wire.RoleUser, Text: "Hi", Timestamp: 1000, ConversationNumber: 1})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/sessions/s1/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	c := New(Options{Endpoint: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", Actor: agent})
	transcript := NewTranscript()
	transcript.Attach(c)
	rec := &recorder{}
	c.On(wire.Wildcard, rec.add)

	c.Connect(agentToken)
	t.Cleanup(c.Disconnect)
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)

	c.Subscribe("s1", 1)
	waitEvent(t, rec, func(ev wire.Event) bool { return ev.Type == wire.EventSessionMessages })
	msgs := transcript.Messages("s1")
	require.Len(t, msgs, 1)
	require.Equal(t, "Hi", msgs[0].Text)
	require.Equal(t, AIOwned, c.State("s1"))

	c.Takeover("s1")
	require.Eventually(t, func() bool { return c.IsOwner("s1") }, 2*time.Second, 5*time.Millisecond)

	require.NotEmpty(t, c.SendMessage("s1", "Hello, how can I help?", 1))
	waitEvent(t, rec, func(ev wire.Event) bool { return ev.Type == wire.EventNewMessage })

	msgs = transcript.Messages("s1")
	require.Len(t, msgs, 2)
	require.Equal(t, wire.Message{
		Role:               wire.RoleAssistant,
		Text:               "Hello, how can I help?",
		Timestamp:          1005,
		SentBy:             "agent:" + agent,
		ConversationNumber: 1,
	}, msgs[1])
	require.Less(t, msgs[0].Timestamp, msgs[1].Timestamp)

	c.Release("s1")
	require.Eventually(t, func() bool { return c.State("s1") == AIOwned }, 2*time.Second, 5*time.Millisecond)
}
