// Package relay is the live relay server: it brokers per-session
// subscriptions, arbitrates human takeover, and fans messages out to every
// agent console watching a session.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gastownhall/live-relay/internal/metrics"
	"github.com/gastownhall/live-relay/internal/store"
	"github.com/gastownhall/live-relay/internal/wire"
	"github.com/gastownhall/live-relay/internal/wsbase"
)

const (
	// maxFrameBytes caps inbound action frames.
	maxFrameBytes = 64 * 1024
	// DefaultRetention is how long a session stays "live" after its last message.
	DefaultRetention = 30 * time.Minute

	responderTimeout = 30 * time.Second

	minOwnerSweep = 10 * time.Millisecond
	maxOwnerSweep = 5 * time.Second
)

// Responder produces the AI's next turn for a session's history.
type Responder interface {
	Reply(ctx context.Context, history []wire.Message) (string, error)
}

// Options configures a Server.
type Options struct {
	Store store.Store
	// Agents maps agent bearer tokens to actor ids.
	Agents map[string]string
	// IngestToken guards the chatbot-backend ingest endpoint ("" = open).
	IngestToken    string
	OriginPatterns []string
	Retention      time.Duration
	// OwnershipTTL matches the store's takeover expiry. When set, the relay
	// polls the takeovers it announced and broadcasts takeover_ended once
	// one lapses.
	OwnershipTTL time.Duration

	// ActionsPerSecond and Burst rate-limit each connection (0 = unlimited).
	ActionsPerSecond float64
	Burst            int

	Responder Responder
	Metrics   *metrics.Relay
	Logger    *slog.Logger
	Now       func() time.Time
}

// Server manages agent WebSocket connections and the REST surface.
type Server struct {
	store          store.Store
	auth           *wsbase.Authenticator
	ingestToken    string
	originPatterns []string
	retention      time.Duration
	actionRate     float64
	burst          int
	responder      Responder
	metrics        *metrics.Relay
	log            *slog.Logger
	now            func() time.Time
	locks          *sessionLocks

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	clients  map[*Client]struct{}
	watchers map[string]map[*Client]struct{} // sessionId → subscribed clients
	owners   map[string]string                // takeovers announced by this relay
}

// NewServer creates a relay server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemory(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:          st,
		auth:           wsbase.NewAuthenticator(opts.Agents),
		ingestToken:    opts.IngestToken,
		originPatterns: opts.OriginPatterns,
		retention:      retention,
		actionRate:     opts.ActionsPerSecond,
		burst:          opts.Burst,
		responder:      opts.Responder,
		metrics:        opts.Metrics,
		log:            logger.With("component", "relay"),
		now:            now,
		locks:          newSessionLocks(),
		ctx:            ctx,
		cancel:         cancel,
		clients:        make(map[*Client]struct{}),
		watchers:       make(map[string]map[*Client]struct{}),
		owners:         make(map[string]string),
	}
	if opts.OwnershipTTL > 0 {
		s.wg.Add(1)
		go s.sweepOwners(ownerSweepInterval(opts.OwnershipTTL))
	}
	return s
}

func ownerSweepInterval(ttl time.Duration) time.Duration {
	return min(max(ttl/4, minOwnerSweep), maxOwnerSweep)
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/live-sessions", s.handleLiveSessions)
	api.HandleFunc("GET /api/sessions/{id}/messages", s.handleSessionMessages)
	api.HandleFunc("POST /api/sessions/{id}/messages", s.handleIngest)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.Handle("/api/", wsbase.CorsHandler(api))
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// HandleWebSocket is the HTTP handler for /ws.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.auth.Actor(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wsbase.AcceptWebSocket(w, r, s.originPatterns)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	client := newClient(conn, s, actor)
	s.addClient(client)
	defer s.removeClient(client)

	client.run()
}

// Close disconnects every client and waits for in-flight responder calls.
func (s *Server) Close() {
	s.cancel()

	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.cancel()
	}
	s.wg.Wait()
}

func (s *Server) addClient(c *Client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()

	s.metrics.ClientConnected()
	s.log.Info("client connected", "actor", c.actor, "client", c.id, "total", count)
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.unwatchLocked(c)
	count := len(s.clients)
	s.mu.Unlock()

	c.cancel()
	s.metrics.ClientDisconnected()
	s.log.Info("client disconnected", "actor", c.actor, "client", c.id, "remaining", count)
}

// watch makes sessionID the client's only subscription.
func (s *Server) watch(c *Client, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unwatchLocked(c)
	set, ok := s.watchers[sessionID]
	if !ok {
		set = make(map[*Client]struct{})
		s.watchers[sessionID] = set
	}
	set[c] = struct{}{}
	c.session = sessionID
}

func (s *Server) unwatch(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unwatchLocked(c)
}

// unwatchLocked must be called with s.mu held.
func (s *Server) unwatchLocked(c *Client) {
	if c.session == "" {
		return
	}
	if set, ok := s.watchers[c.session]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.watchers, c.session)
		}
	}
	c.session = ""
}

// deliver queues ev to sessionID's subscribers, plus requester if it is not
// one of them.
func (s *Server) deliver(sessionID string, ev wire.Event, requester *Client) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("failed to marshal event", "type", ev.Type, "err", err)
		return
	}

	s.mu.Lock()
	set := s.watchers[sessionID]
	n := 0
	for c := range set {
		c.sendRaw(data)
		n++
	}
	if requester != nil {
		if _, watching := set[requester]; !watching {
			requester.sendRaw(data)
			n++
		}
	}
	s.mu.Unlock()

	s.metrics.Broadcast(ev.Type, n)
}

// broadcastAll queues ev to every connected client.
func (s *Server) broadcastAll(ev wire.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("failed to marshal event", "type", ev.Type, "err", err)
		return
	}

	s.mu.Lock()
	n := len(s.clients)
	for c := range s.clients {
		c.sendRaw(data)
	}
	s.mu.Unlock()

	s.metrics.Broadcast(ev.Type, n)
}

// appendMessage stores msg and fans it out as new_message. It returns the
// session's owner at the time of the append.
func (s *Server) appendMessage(ctx context.Context, sessionID string, msg wire.Message) (string, error) {
	unlock := s.locks.Lock(sessionID)
	created, err := s.appendLocked(ctx, sessionID, &msg)
	if err != nil {
		unlock()
		return "", err
	}
	owner, err := s.store.Owner(ctx, sessionID)
	if err != nil {
		s.log.Warn("failed to read owner after append", "sessionId", sessionID, "err", err)
	}
	unlock()

	if created {
		s.sessionCreated(sessionID, msg.Timestamp)
	}
	return owner, nil
}

// appendLocked must be called with sessionID's lock held.
func (s *Server) appendLocked(ctx context.Context, sessionID string, msg *wire.Message) (bool, error) {
	msg.ConversationNumber = wire.NormalizeConversation(msg.ConversationNumber)
	created, err := s.store.Append(ctx, sessionID, *msg)
	if err != nil {
		return false, err
	}
	m := *msg
	s.deliver(sessionID, wire.Event{
		Type:      wire.EventNewMessage,
		SessionID: sessionID,
		Message:   &m,
	}, nil)
	return created, nil
}

func (s *Server) sessionCreated(sessionID string, at int64) {
	s.log.Info("session started", "sessionId", sessionID)
	s.broadcastAll(wire.Event{Type: wire.EventSessionUpdate, SessionID: sessionID, LastActivity: at})
}

// setOwner records the owner this relay last announced for sessionID.
func (s *Server) setOwner(sessionID, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner == "" {
		delete(s.owners, sessionID)
		return
	}
	s.owners[sessionID] = owner
}

// reconcileOwnerLocked compares a fresh store read with the last announced
// owner and, when a takeover expired without a release, hands the session
// back to the AI in front of every subscriber. It must be called with
// sessionID's lock held.
func (s *Server) reconcileOwnerLocked(sessionID, owner string) {
	s.mu.Lock()
	prev, ok := s.owners[sessionID]
	if owner != "" {
		s.owners[sessionID] = owner
	} else {
		delete(s.owners, sessionID)
	}
	s.mu.Unlock()
	if !ok || owner != "" {
		return
	}

	s.metrics.Takeover("expired")
	s.log.Info("takeover expired", "sessionId", sessionID, "actor", prev)
	s.deliver(sessionID, wire.Event{Type: wire.EventTakeoverEnded, SessionID: sessionID}, nil)
	s.broadcastAll(wire.Event{Type: wire.EventSessionUpdate, SessionID: sessionID})
}

// sweepOwners polls announced takeovers so expiry is broadcast even when
// nobody touches the session.
func (s *Server) sweepOwners(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		ids := slices.Collect(maps.Keys(s.owners))
		s.mu.Unlock()
		for _, id := range ids {
			s.checkOwner(id)
		}
	}
}

func (s *Server) checkOwner(sessionID string) {
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()

	unlock := s.locks.Lock(sessionID)
	defer unlock()
	owner, err := s.store.Owner(ctx, sessionID)
	if err != nil {
		if s.ctx.Err() == nil {
			s.log.Warn("failed to check session owner", "sessionId", sessionID, "err", err)
		}
		return
	}
	s.reconcileOwnerLocked(sessionID, owner)
}

// respond asks the AI responder for a reply unless a human owns the session
// by the time the reply is ready.
func (s *Server) respond(sessionID string, conversationNumber int) {
	if s.responder == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, responderTimeout)
		defer cancel()

		history, err := s.store.Messages(ctx, sessionID, conversationNumber)
		if err != nil {
			s.log.Error("responder: failed to load history", "sessionId", sessionID, "err", err)
			return
		}
		start := time.Now()
		text, err := s.responder.Reply(ctx, history)
		s.metrics.ObserveResponder(time.Since(start))
		if err != nil {
			s.log.Error("responder failed", "sessionId", sessionID, "err", err)
			return
		}

		unlock := s.locks.Lock(sessionID)
		defer unlock()
		owner, err := s.store.Owner(ctx, sessionID)
		if err != nil {
			s.log.Error("responder: failed to load owner", "sessionId", sessionID, "err", err)
			return
		}
		s.reconcileOwnerLocked(sessionID, owner)
		if owner != "" {
			s.log.Info("responder reply dropped, session taken over", "sessionId", sessionID, "owner", owner)
			return
		}
		msg := wire.Message{
			Role:               wire.RoleAssistant,
			Text:               text,
			Timestamp:          s.now().Unix(),
			ConversationNumber: conversationNumber,
		}
		if _, err := s.appendLocked(ctx, sessionID, &msg); err != nil {
			s.log.Error("responder: failed to store reply", "sessionId", sessionID, "err", err)
		}
	}()
}
