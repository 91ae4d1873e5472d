package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient is a test websocket client for status servers.
type WSClient struct {
	t    *testing.T
	conn *websocket.Conn
}

// DialWS connects to srv at path (for example "/ws?request_id=x"). The
// connection is closed when the test ends.
func DialWS(t *testing.T, srv *httptest.Server, path string) *WSClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &WSClient{t: t, conn: conn}
}

// ReadJSON decodes the next text message into v, failing the test after
// timeout.
func (c *WSClient) ReadJSON(v any, timeout time.Duration) {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		c.t.Fatalf("set deadline: %v", err)
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read message: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.t.Fatalf("decode %q: %v", data, err)
	}
}

// TryReadJSON is ReadJSON that reports false on timeout instead of failing.
// A timed-out connection cannot be read again.
func (c *WSClient) TryReadJSON(v any, timeout time.Duration) bool {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.t.Fatalf("decode %q: %v", data, err)
	}
	return true
}

// Close closes the connection.
func (c *WSClient) Close() {
	_ = c.conn.Close()
}
