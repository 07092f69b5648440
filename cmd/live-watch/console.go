package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gastownhall/live-relay/internal/gaps"
	"github.com/gastownhall/live-relay/internal/relayclient"
	"github.com/gastownhall/live-relay/internal/wire"
)

// console renders one session's live feed and turns input lines into actions.
type console struct {
	sessionID    string
	conversation int
	client       *relayclient.Client
	transcript   *relayclient.Transcript
	classify     func() *gaps.Classifier

	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func formatMessage(m wire.Message, gap gaps.Indicator) string {
	who := m.Role
	switch {
	case m.IsAgent():
		who = m.Agent()
	case m.Role == wire.RoleAssistant:
		who = "ai"
	}
	mark := ""
	if gap != gaps.NoGap {
		mark = " [gap: " + string(gap) + "]"
	}
	ts := time.Unix(m.Timestamp, 0).Format(time.TimeOnly)
	return fmt.Sprintf("%s %-12s %s%s", ts, who, m.Text, mark)
}

func (c *console) ownerLabel() string {
	switch c.client.State(c.sessionID) {
	case relayclient.OwnedByMe:
		return "you"
	case relayclient.OwnedByOther:
		return c.client.Coordinator().Owner(c.sessionID)
	default:
		return "ai"
	}
}

// handleEvent is registered on the wildcard channel, after the transcript
// and coordinator have applied the event.
func (c *console) handleEvent(ev wire.Event) {
	if ev.Type == wire.EventError {
		c.printf("! %s\n", ev.Error)
		return
	}
	if ev.Type == wire.EventSessionUpdate && ev.SessionID == "" {
		if c.client.Connected() {
			c.printf("* connected\n")
		} else {
			c.printf("* disconnected\n")
		}
		return
	}
	if ev.SessionID != c.sessionID {
		return
	}

	cl := c.classify()
	switch ev.Type {
	case wire.EventSessionMessages:
		msgs := c.transcript.Messages(c.sessionID)
		c.printf("--- %s conversation %d, %d messages, owner %s ---\n", c.sessionID, ev.ConversationNumber, len(msgs), c.ownerLabel())
		for _, m := range msgs {
			ind, _ := cl.Classify(m)
			c.printf("%s\n", formatMessage(m, ind))
		}
	case wire.EventNewMessage:
		if ev.Message != nil {
			ind, _ := cl.Classify(*ev.Message)
			c.printf("%s\n", formatMessage(*ev.Message, ind))
		}
	case wire.EventTakeoverStarted:
		c.printf("* taken over by %s\n", c.ownerLabel())
	case wire.EventTakeoverEnded:
		c.printf("* handed back to ai\n")
	}
}

const helpText = `commands:
  /takeover   take the session over from the ai
  /release    hand the session back
  /state      show who owns the session
  /quit       exit
anything else is sent as a message once you own the session
`

// handleLine runs one input line; it returns false on /quit.
func (c *console) handleLine(line string) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
	case "/quit", "/exit":
		return false
	case "/help":
		c.printf("%s", helpText)
	case "/takeover":
		if c.client.Takeover(c.sessionID) == "" {
			c.printf("! not connected\n")
		}
	case "/release":
		if c.client.Release(c.sessionID) == "" {
			c.printf("! not connected\n")
		}
	case "/state":
		c.printf("* owner: %s\n", c.ownerLabel())
	default:
		if !c.client.IsOwner(c.sessionID) {
			c.printf("! take the session over first (/takeover)\n")
			return true
		}
		if c.client.SendMessage(c.sessionID, line, c.conversation) == "" {
			c.printf("! message not sent\n")
		}
	}
	return true
}

// run reads input until EOF, /quit or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || !c.handleLine(line) {
				return nil
			}
		}
	}
}
