package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gastownhall/live-relay/internal/wire"
)

// apiClient reads the relay's REST surface.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

type sessionSnapshot struct {
	SessionID          string         `json:"sessionId"`
	ConversationNumber int            `json:"conversationNumber"`
	Messages           []wire.Message `json:"messages"`
	TakenOverBy        *string        `json:"takenOverBy"`
}

func (a *apiClient) get(ctx context.Context, path string, q url.Values, out any) error {
	u := a.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("GET %s: %s %s", path, resp.Status, body.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// LiveSessions lists sessions inside the relay's retention window.
func (a *apiClient) LiveSessions(ctx context.Context, include, exclude string) ([]wire.SessionInfo, error) {
	q := url.Values{}
	if include != "" {
		q.Set("include", include)
	}
	if exclude != "" {
		q.Set("exclude", exclude)
	}
	var out struct {
		Sessions []wire.SessionInfo `json:"sessions"`
	}
	if err := a.get(ctx, "/api/live-sessions", q, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Messages fetches a conversation; 0 asks for the latest one.
func (a *apiClient) Messages(ctx context.Context, sessionID string, conversationNumber int) (sessionSnapshot, error) {
	q := url.Values{}
	if conversationNumber > 0 {
		q.Set("conversationNumber", strconv.Itoa(conversationNumber))
	}
	var out sessionSnapshot
	err := a.get(ctx, "/api/sessions/"+url.PathEscape(sessionID)+"/messages", q, &out)
	return out, err
}
