// Package realtime connects to the OpenAI Realtime API and builds the session
// configuration sent on every new connection.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview-2024-12-17"

	defaultWriteTimeout = 5 * time.Second
)

// ErrNoCredential is returned when a dial is attempted without a bearer credential.
var ErrNoCredential = errors.New("realtime credential is required")

// Dialer opens upstream realtime connections.
type Dialer struct {
	URL          string
	Model        string
	WriteTimeout time.Duration
	WS           *websocket.Dialer
}

// Endpoint returns the websocket URL including the model query parameter.
func (d *Dialer) Endpoint() (string, error) {
	base := DefaultURL
	model := DefaultModel
	if d != nil {
		if v := strings.TrimSpace(d.URL); v != "" {
			base = v
		}
		if v := strings.TrimSpace(d.Model); v != "" {
			model = v
		}
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects with credential as the bearer token.
func (d *Dialer) Dial(ctx context.Context, credential string) (*Conn, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrNoCredential
	}
	endpoint, err := d.Endpoint()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)
	header.Set("OpenAI-Beta", "realtime=v1")

	wsDialer := websocket.DefaultDialer
	writeTimeout := defaultWriteTimeout
	if d != nil {
		if d.WS != nil {
			wsDialer = d.WS
		}
		if d.WriteTimeout > 0 {
			writeTimeout = d.WriteTimeout
		}
	}

	ws, resp, err := wsDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	return &Conn{ws: ws, writeTimeout: writeTimeout}, nil
}

// Conn is an upstream realtime connection. Writes are serialized; a single
// goroutine may read.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *Conn) ReadMessage() (messageType int, data []byte, err error) {
	return c.ws.ReadMessage()
}

func (c *Conn) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(messageType, data)
}

func (c *Conn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(v)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// Close sends a normal close frame and closes the socket. It is safe to call
// more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
