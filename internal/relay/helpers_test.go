package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/gastownhall/live-relay/internal/metrics"
	"github.com/gastownhall/live-relay/internal/wire"
)

const (
	aliceToken  = "tok-alice"
	bobToken    = "tok-bob"
	ingestToken = "tok-ingest"

	alice = "alice@x.com"
	bob   = "bob@x.com"
)

func setupTestServer(t *testing.T, opts ...func(*Options)) (*Server, *httptest.Server) {
	t.Helper()

	o := Options{
		Agents:      map[string]string{aliceToken: alice, bobToken: bob},
		IngestToken: ingestToken,
		Metrics:     metrics.New(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	srv := NewServer(o)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

type testClient struct {
	conn   *websocket.Conn
	events chan wire.Event
}

func wsURL(ts *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
}

func dialTestServer(t *testing.T, ts *httptest.Server, token string) *testClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts, token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &testClient{conn: conn, events: make(chan wire.Event, 64)}
	go func() {
		defer close(c.events)
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			ev, err := wire.DecodeEvent(data)
			if err != nil {
				continue
			}
			c.events <- ev
		}
	}()
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return c
}

func (c *testClient) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.sendRaw(t, data)
}

func (c *testClient) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// recv returns the next event that is not a session_update.
func (c *testClient) recv(t *testing.T) wire.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				t.Fatal("connection closed")
			}
			if ev.Type == wire.EventSessionUpdate {
				continue
			}
			return ev
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

// recvType skips events until one of type typ arrives.
func (c *testClient) recvType(t *testing.T, typ string) wire.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				t.Fatal("connection closed")
			}
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// expectQuiet fails if any event other than session_update arrives within d.
func (c *testClient) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if ev.Type != wire.EventSessionUpdate {
				t.Fatalf("unexpected event %s: %+v", ev.Type, ev)
			}
		case <-timeout:
			return
		}
	}
}

func (c *testClient) subscribe(t *testing.T, sessionID string) wire.Event {
	t.Helper()
	c.send(t, wire.Action{Action: wire.ActionSubscribe, SessionID: sessionID})
	ev := c.recv(t)
	if ev.Type != wire.EventSessionMessages || ev.SessionID != sessionID {
		t.Fatalf("subscribe %s: got %s for %q", sessionID, ev.Type, ev.SessionID)
	}
	return ev
}

func postMessage(t *testing.T, ts *httptest.Server, token, sessionID string, msg wire.Message) (*http.Response, ingestResponse) {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/sessions/"+sessionID+"/messages", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out ingestResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp, out
}

func getJSON(t *testing.T, ts *httptest.Server, token, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

// subscriptionCounts reports how many sessions each connected client watches.
func subscriptionCounts(s *Server) map[*Client]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[*Client]int, len(s.clients))
	for c := range s.clients {
		counts[c] = 0
	}
	for _, set := range s.watchers {
		for c := range set {
			counts[c]++
		}
	}
	return counts
}
