package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport is the default Transport, dialing a single
// ws://host[:port]/ (or wss://) connection per spec.md §6. Adapted from
// the teacher's websocketConn (mcp/websocket.go): dial, a write lock
// around WriteMessage, and sync.Once-guarded close.
type WebSocketTransport struct {
	// Dialer is the websocket dialer to use. If nil, websocket.DefaultDialer
	// is used.
	Dialer *websocket.Dialer
	// Header specifies additional HTTP headers sent during the websocket
	// handshake.
	Header http.Header

	mu        sync.Mutex // guards conn and writes
	conn      *websocket.Conn
	closeOnce sync.Once
	closed    chan struct{}
}

// Connect implements Transport.
func (t *WebSocketTransport) Connect(ctx context.Context, url string, timeout time.Duration, cb Callbacks) error {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, url, t.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: %v (status %d)", ErrConnectFailed, err, resp.StatusCode)
		}
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.closed = make(chan struct{})
	t.closeOnce = sync.Once{}
	t.mu.Unlock()

	cb.OnOpen()
	go t.readLoop(cb)
	return nil
}

// readLoop delivers inbound text frames to cb.OnText until the connection
// closes, then invokes cb.OnClose exactly once.
func (t *WebSocketTransport) readLoop(cb Callbacks) {
	code := websocket.CloseNormalClosure
	reason := ""
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				code, reason = ce.Code, ce.Text
			} else {
				code, reason = websocket.CloseAbnormalClosure, err.Error()
			}
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		cb.OnText(data)
	}
	t.closeConn()
	cb.OnClose(code, reason)
}

// Send implements Transport.
func (t *WebSocketTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Close implements Transport. It is idempotent.
func (t *WebSocketTransport) Close(reason string) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	var err error
	t.closeOnce.Do(func() {
		deadline := time.Now().Add(2 * time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		err = conn.Close()
	})
	return err
}

func (t *WebSocketTransport) closeConn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		t.conn.Close()
	}
}
