package transport

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
)

// Socket is one open WebSocket to the relay.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens sockets. WebSocketDialer is the production implementation.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebSocketDialer dials with nhooyr.io/websocket.
type WebSocketDialer struct {
	HTTPClient *http.Client
	// ReadLimit caps inbound frame size; 0 keeps the library default.
	ReadLimit int64
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsSocket{conn: conn}, nil
}

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		// the relay only speaks text frames
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Close(code websocket.StatusCode, reason string) error {
	return s.conn.Close(code, reason)
}
