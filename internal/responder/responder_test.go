package responder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"

	"github.com/gastownhall/live-relay/internal/wire"
)

type mockChat struct {
	resp  openai.ChatCompletionResponse
	err   error
	calls []openai.ChatCompletionRequest
}

func (m *mockChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.calls = append(m.calls, req)
	return m.resp, m.err
}

func reply(text string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text},
	}}}
}

func TestReplyMapsRolesAndSystemPrompt(t *testing.T) {
	m := &mockChat{resp: reply("  Sure, Tuesday works.  ")}
	r := NewWithClient(m, Config{SystemPrompt: "Be brief.", Model: "test-model"})

	got, err := r.Reply(context.Background(), []wire.Message{
		{Role: wire.RoleUser, Text: "Can I book Tuesday?"},
		{Role: wire.RoleAssistant, Text: "Checking", SentBy: wire.AgentSender("a@x.com")},
	})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got != "Sure, Tuesday works." {
		t.Fatalf("reply = %q", got)
	}

	req := m.calls[0]
	if req.Model != "test-model" {
		t.Fatalf("model = %q", req.Model)
	}
	wantRoles := []string{openai.ChatMessageRoleSystem, openai.ChatMessageRoleUser, openai.ChatMessageRoleAssistant}
	if len(req.Messages) != len(wantRoles) {
		t.Fatalf("messages = %d, want %d", len(req.Messages), len(wantRoles))
	}
	for i, role := range wantRoles {
		if req.Messages[i].Role != role {
			t.Fatalf("message %d role = %q, want %q", i, req.Messages[i].Role, role)
		}
	}
}

func TestReplyTrimsHistory(t *testing.T) {
	m := &mockChat{resp: reply("ok")}
	r := NewWithClient(m, Config{MaxHistory: 2})

	history := []wire.Message{
		{Role: wire.RoleUser, Text: "1"},
		{Role: wire.RoleAssistant, Text: "2"},
		{Role: wire.RoleUser, Text: "3"},
	}
	if _, err := r.Reply(context.Background(), history); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	msgs := m.calls[0].Messages
	if len(msgs) != 2 || msgs[0].Content != "2" {
		t.Fatalf("messages = %+v, want last two", msgs)
	}
}

func TestReplyErrors(t *testing.T) {
	r := NewWithClient(&mockChat{err: errors.New("quota")}, Config{})
	if _, err := r.Reply(context.Background(), nil); err == nil {
		t.Fatal("expected client error to propagate")
	}

	r = NewWithClient(&mockChat{}, Config{})
	if _, err := r.Reply(context.Background(), nil); err == nil {
		t.Fatal("expected error for no choices")
	}

	r = NewWithClient(&mockChat{resp: reply("   ")}, Config{})
	if _, err := r.Reply(context.Background(), nil); err == nil {
		t.Fatal("expected error for blank reply")
	}
}

func TestNewTalksToCompatibleEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply("from server"))
	}))
	defer srv.Close()

	r := New(Config{BaseURL: srv.URL + "/v1", APIKey: "sk-test"})
	got, err := r.Reply(context.Background(), []wire.Message{{Role: wire.RoleUser, Text: "hi"}})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got != "from server" {
		t.Fatalf("reply = %q", got)
	}
}
