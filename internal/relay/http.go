package relay

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gastownhall/live-relay/internal/wire"
	"github.com/gastownhall/live-relay/internal/wsbase"
)

const maxIngestBytes = 64 * 1024

type liveSessionsResponse struct {
	Sessions []wire.SessionInfo `json:"sessions"`
}

type sessionMessagesResponse struct {
	SessionID          string         `json:"sessionId"`
	ConversationNumber int            `json:"conversationNumber"`
	Messages           []wire.Message `json:"messages"`
	TakenOverBy        *string        `json:"takenOverBy"`
}

type ingestResponse struct {
	SessionID   string  `json:"sessionId"`
	TakenOverBy *string `json:"takenOverBy"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleLiveSessions serves GET /api/live-sessions: sessions with activity
// inside the retention window, newest first, owners joined in.
func (s *Server) handleLiveSessions(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.auth.Actor(r); !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	q := r.URL.Query()
	filter, err := wsbase.CompileSessionFilter(q.Get("include"), q.Get("exclude"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	live, err := s.store.Live(ctx, s.now().Add(-s.retention))
	if err != nil {
		s.log.Error("failed to list live sessions", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	out := make([]wire.SessionInfo, 0, len(live))
	for _, info := range live {
		if !filter.Match(info.SessionID) {
			continue
		}
		owner, err := s.store.Owner(ctx, info.SessionID)
		if err != nil {
			s.log.Error("failed to load session owner", "sessionId", info.SessionID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to list sessions")
			return
		}
		info.TakenOverBy = owner
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, liveSessionsResponse{Sessions: out})
}

// handleSessionMessages serves GET /api/sessions/{id}/messages. Without a
// conversationNumber query the latest conversation is returned.
func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.auth.Actor(r); !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := r.PathValue("id")
	ctx := r.Context()

	conv := 0
	if raw := r.URL.Query().Get("conversationNumber"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid conversationNumber")
			return
		}
		conv = n
	} else {
		latest, err := s.store.LatestConversation(ctx, sessionID)
		if err != nil {
			s.log.Error("failed to load conversations", "sessionId", sessionID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		conv = latest
	}
	conv = wire.NormalizeConversation(conv)

	msgs, err := s.store.Messages(ctx, sessionID, conv)
	if err != nil {
		s.log.Error("failed to load session", "sessionId", sessionID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	owner, err := s.store.Owner(ctx, sessionID)
	if err != nil {
		s.log.Error("failed to load session owner", "sessionId", sessionID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if msgs == nil {
		msgs = []wire.Message{}
	}
	writeJSON(w, http.StatusOK, sessionMessagesResponse{
		SessionID:          sessionID,
		ConversationNumber: conv,
		Messages:           msgs,
		TakenOverBy:        wire.OwnerPtr(owner),
	})
}

// handleIngest serves POST /api/sessions/{id}/messages for the chatbot
// backend. The response tells the backend whether a human owns the session,
// in which case it must not answer the turn itself.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !wsbase.IsAuthorizedRequest(s.ingestToken, r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := r.PathValue("id")

	var msg wire.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBytes)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if msg.Role != wire.RoleUser && msg.Role != wire.RoleAssistant {
		writeError(w, http.StatusBadRequest, "role must be user or assistant")
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = s.now().Unix()
	}
	msg.ConversationNumber = wire.NormalizeConversation(msg.ConversationNumber)

	owner, err := s.appendMessage(r.Context(), sessionID, msg)
	if err != nil {
		s.log.Error("failed to ingest message", "sessionId", sessionID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to store message")
		return
	}
	if msg.Role == wire.RoleUser && owner == "" {
		s.respond(sessionID, msg.ConversationNumber)
	}
	writeJSON(w, http.StatusOK, ingestResponse{SessionID: sessionID, TakenOverBy: wire.OwnerPtr(owner)})
}
