package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one live link to the trading gateway. ReadFrame blocks until a
// frame arrives, the deadline passes, or the link dies.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(v any) error
	Close() error
}

// Dialer opens a Transport. Swapped for a fake in tests.
type Dialer func(ctx context.Context, endpoint string) (Transport, error)

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	idle    time.Duration
}

// DialWebSocket returns a Dialer for the gateway's websocket endpoint. Each
// read arms a deadline of idle+grace so a silently dead link surfaces as a
// read error instead of blocking forever.
func DialWebSocket(handshakeTimeout, idleTimeout time.Duration) Dialer {
	return func(ctx context.Context, endpoint string) (Transport, error) {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("gateway dial %s: status %d: %w", endpoint, resp.StatusCode, err)
			}
			return nil, fmt.Errorf("gateway dial %s: %w", endpoint, err)
		}
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			conn.Close()
			return nil, fmt.Errorf("gateway dial %s: unexpected status %d", endpoint, resp.StatusCode)
		}
		t := &wsTransport{conn: conn, idle: idleTimeout}
		conn.SetPongHandler(func(string) error { return nil })
		return t, nil
	}
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	if t.idle > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.idle + 5*time.Second))
	}
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}
