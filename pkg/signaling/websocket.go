package signaling

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Configuration of the websocket relay.
type WebsocketConfig struct {
	// Base URL of the relay, e.g. `wss://chat.example.com`.
	URL string `yaml:"url"`
	// Access token, passed as the `token` query parameter.
	Token string `yaml:"token"`
}

// Builds the URL of the call relay endpoint for a room.
func CallURL(base, room, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay URL scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/call/" + url.PathEscape(room) + "/"
	if token != "" {
		query := u.Query()
		query.Set("token", token)
		u.RawQuery = query.Encode()
	}

	return u.String(), nil
}

// WebsocketTransport talks to the call relay over a websocket.
type WebsocketTransport struct {
	config WebsocketConfig
	room   string
	logger *logrus.Entry

	incoming chan []byte
	done     chan struct{}

	// Guards `conn` and serializes writes (gorilla supports one concurrent writer).
	writeMutex sync.Mutex
	conn       *websocket.Conn

	closeOnce sync.Once
}

func NewWebsocketTransport(config WebsocketConfig, room string, logger *logrus.Entry) *WebsocketTransport {
	return &WebsocketTransport{
		config:   config,
		room:     room,
		logger:   logger,
		incoming: make(chan []byte, defaultQueueSize),
		done:     make(chan struct{}),
	}
}

func (t *WebsocketTransport) Connect(ctx context.Context) error {
	endpoint, err := CallURL(t.config.URL, t.room, t.config.Token)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	t.writeMutex.Lock()
	select {
	case <-t.done:
		t.writeMutex.Unlock()
		conn.Close()
		return ErrTransportClosed
	default:
		t.conn = conn
	}
	t.writeMutex.Unlock()

	go t.readPump(conn)
	go t.pingPump()

	return nil
}

func (t *WebsocketTransport) Write(payload []byte) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	if t.conn == nil {
		return ErrNotConnected
	}

	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}

	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *WebsocketTransport) Messages() <-chan []byte {
	return t.incoming
}

func (t *WebsocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.writeMutex.Lock()
		defer t.writeMutex.Unlock()

		close(t.done)

		if t.conn == nil {
			close(t.incoming)
			return
		}

		deadline := time.Now().Add(writeWait)
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := t.conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
			t.logger.WithError(err).Debug("Failed to send websocket close frame")
		}

		// Unblocks the read pump, which then closes `incoming`.
		t.conn.Close()
	})

	return nil
}

func (t *WebsocketTransport) readPump(conn *websocket.Conn) {
	defer close(t.incoming)

	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}

	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				t.logger.WithError(err).Warn("Websocket connection lost")
			}
			return
		}

		if kind != websocket.TextMessage {
			continue
		}

		select {
		case t.incoming <- payload:
		case <-t.done:
			return
		}
	}
}

func (t *WebsocketTransport) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMutex.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			t.writeMutex.Unlock()

			if err != nil {
				t.logger.WithError(err).Warn("Failed to ping the relay")
				return
			}
		}
	}
}
