package wire

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAgentSenderRoundTrip(t *testing.T) {
	m := Message{Role: RoleAssistant, SentBy: AgentSender("agent@x.com")}
	if !m.IsAgent() {
		t.Fatal("expected agent message")
	}
	if got := m.Agent(); got != "agent@x.com" {
		t.Fatalf("Agent() = %q, want agent@x.com", got)
	}

	bot := Message{Role: RoleAssistant}
	if bot.IsAgent() || bot.Agent() != "" {
		t.Fatalf("bot message reported as agent: %+v", bot)
	}
}

func TestDecodeEventSnapshot(t *testing.T) {
	data := `{"type":"session_messages","sessionId":"s1","messages":[{"role":"user","text":"Hi","timestamp":1000,"conversationNumber":1}],"takenOverBy":null}`
	ev, err := DecodeEvent([]byte(data))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Type != EventSessionMessages || ev.SessionID != "s1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(ev.Messages) != 1 || ev.Messages[0].Text != "Hi" {
		t.Fatalf("messages = %+v", ev.Messages)
	}
	if ev.Owner() != "" {
		t.Fatalf("Owner() = %q, want empty for null takenOverBy", ev.Owner())
	}
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	if _, err := DecodeEvent([]byte("not json")); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if _, err := DecodeEvent([]byte(`{"sessionId":"s1"}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestActionOmitsOptionalFields(t *testing.T) {
	data, err := json.Marshal(Action{Action: ActionUnsubscribe})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"action":"unsubscribe_session"}` {
		t.Fatalf("unsubscribe frame = %s", data)
	}

	data, err = json.Marshal(Action{Action: ActionSubscribe, SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "conversationNumber") {
		t.Fatalf("subscribe without conversation number should omit it: %s", data)
	}
}

func TestOwnerPtr(t *testing.T) {
	if OwnerPtr("") != nil {
		t.Fatal("empty owner should map to nil")
	}
	if p := OwnerPtr("a"); p == nil || *p != "a" {
		t.Fatalf("OwnerPtr(a) = %v", p)
	}
}

func TestNormalizeConversation(t *testing.T) {
	if NormalizeConversation(0) != 1 || NormalizeConversation(-3) != 1 {
		t.Fatal("absent conversation number should default to 1")
	}
	if NormalizeConversation(2) != 2 {
		t.Fatal("explicit conversation number should be kept")
	}
}

func TestSnapshotAlwaysCarriesMessagesAndOwner(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{
			name: "new session",
			ev:   Event{Type: EventSessionMessages, SessionID: "s1"},
			want: `{"type":"session_messages","sessionId":"s1","conversationNumber":1,"messages":[],"takenOverBy":null}`,
		},
		{
			name: "ai owned with empty slice",
			ev:   Event{Type: EventSessionMessages, SessionID: "s1", ConversationNumber: 2, Messages: []Message{}, TakenOverBy: OwnerPtr("")},
			want: `{"type":"session_messages","sessionId":"s1","conversationNumber":2,"messages":[],"takenOverBy":null}`,
		},
		{
			name: "taken over",
			ev: Event{
				Type:        EventSessionMessages,
				SessionID:   "s1",
				Messages:    []Message{{Role: RoleUser, Text: "Hi", Timestamp: 1000, ConversationNumber: 1}},
				TakenOverBy: OwnerPtr("agent@x.com"),
				RequestID:   "r1",
			},
			want: `{"type":"session_messages","sessionId":"s1","conversationNumber":1,"messages":[{"role":"user","text":"Hi","timestamp":1000,"conversationNumber":1}],"takenOverBy":"agent@x.com","requestId":"r1"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.ev)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != tt.want {
				t.Fatalf("snapshot = %s\nwant       %s", data, tt.want)
			}
		})
	}
}

func TestOtherEventsOmitEmptyFields(t *testing.T) {
	data, err := json.Marshal(Event{Type: EventTakeoverEnded, SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"takeover_ended","sessionId":"s1"}` {
		t.Fatalf("takeover_ended frame = %s", data)
	}

	data, err = json.Marshal(&Event{Type: EventError, Error: "invalid JSON"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"error","error":"invalid JSON"}` {
		t.Fatalf("error frame = %s", data)
	}
}
