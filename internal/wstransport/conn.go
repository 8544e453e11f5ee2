package wstransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	closeGrace   = 5 * time.Second
)

// Conn presents a websocket as an ordered byte stream. Each Write is sent as
// one binary message; Read concatenates binary messages and skips others.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger
	server bool

	reader io.Reader

	writeMu sync.Mutex
	closed  bool
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
	ReadBufferSize:   64 * 1024,
	WriteBufferSize:  64 * 1024,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Non-browser peers only
	},
}

// Dial establishes a websocket connection. wsURL is the full ws:// or wss:// URL.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	logger.Info("websocket connection established", "remote_addr", ws.RemoteAddr())
	return &Conn{ws: ws, logger: logger}, nil
}

// Upgrade turns an HTTP request into a server-side Conn. On failure the
// upgrader has already replied to the client.
func Upgrade(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	logger.Debug("websocket connection accepted", "remote_addr", ws.RemoteAddr())
	return &Conn{ws: ws, logger: logger, server: true}, nil
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// Read returns io.EOF once the peer sends a normal close.
func (c *Conn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a normal close message. The dialing side waits for the peer to
// echo it, so every message is read before the socket goes away.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	c.writeMu.Unlock()
	if errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}

	if !c.server && err == nil {
		_ = c.ws.SetReadDeadline(time.Now().Add(closeGrace))
		for {
			if _, _, rerr := c.ws.NextReader(); rerr != nil {
				break
			}
		}
	}
	if cerr := c.ws.Close(); err == nil {
		err = cerr
	}
	return err
}
