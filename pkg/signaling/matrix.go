package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Room event that carries a signaling envelope when Matrix is used as the bus.
var SignalEventType = event.Type{Type: "org.trutim.call.signal", Class: event.MessageEventType}

// Configuration for the Matrix client.
type MatrixConfig struct {
	// The Matrix ID (MXID) of the local user.
	UserID id.UserID `yaml:"userId"`
	// The URL of the homeserver.
	HomeserverURL string `yaml:"homeserverUrl"`
	// The access token for the Matrix SDK.
	AccessToken string `yaml:"accessToken"`
}

type signalContent struct {
	Payload json.RawMessage `json:"payload"`
}

// MatrixTransport uses a Matrix room as the bus: envelopes are sent as room events
// and received through the sync loop. The call room identifier is the Matrix room ID.
type MatrixTransport struct {
	config MatrixConfig
	roomID id.RoomID
	logger *logrus.Entry

	incoming chan []byte
	done     chan struct{}

	mutex     sync.Mutex
	client    *mautrix.Client
	closeOnce sync.Once
}

func NewMatrixTransport(config MatrixConfig, room string, logger *logrus.Entry) *MatrixTransport {
	return &MatrixTransport{
		config:   config,
		roomID:   id.RoomID(room),
		logger:   logger.WithField("matrix_room_id", room),
		incoming: make(chan []byte, defaultQueueSize),
		done:     make(chan struct{}),
	}
}

func (t *MatrixTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := mautrix.NewClient(t.config.HomeserverURL, t.config.UserID, t.config.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to create matrix client: %w", err)
	}

	whoami, err := client.Whoami()
	if err != nil {
		return fmt.Errorf("failed to identify matrix user: %w", err)
	}

	if whoami.UserID != t.config.UserID {
		return errors.New("access token is for the wrong user")
	}
	client.DeviceID = whoami.DeviceID

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("syncer is not DefaultSyncer")
	}

	// Everything in the room timeline before this moment belongs to earlier calls.
	connectedAt := time.Now().UnixMilli()

	syncer.ParseEventContent = false
	syncer.OnEventType(SignalEventType, func(_ mautrix.EventSource, evt *event.Event) {
		if evt.RoomID != t.roomID || evt.Timestamp < connectedAt {
			return
		}

		var content signalContent
		if err := json.Unmarshal(evt.Content.VeryRaw, &content); err != nil || len(content.Payload) == 0 {
			t.logger.WithField("event_id", evt.ID).Warn("Ignoring malformed signaling event")
			return
		}

		select {
		case t.incoming <- []byte(content.Payload):
		case <-t.done:
		}
	})

	t.mutex.Lock()
	select {
	case <-t.done:
		t.mutex.Unlock()
		return ErrTransportClosed
	default:
		t.client = client
	}
	t.mutex.Unlock()

	go func() {
		defer close(t.incoming)

		// Returns only when the sync fails or `StopSync` is called.
		if err := client.Sync(); err != nil {
			t.logger.WithError(err).Error("Matrix sync failed")
		}
	}()

	t.logger.WithField("device_id", whoami.DeviceID).Info("Connected to Matrix")
	return nil
}

func (t *MatrixTransport) Write(payload []byte) error {
	t.mutex.Lock()
	client := t.client
	t.mutex.Unlock()

	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	if client == nil {
		return ErrNotConnected
	}

	if _, err := client.SendMessageEvent(t.roomID, SignalEventType, signalContent{Payload: payload}); err != nil {
		return fmt.Errorf("failed to send matrix event: %w", err)
	}

	return nil
}

func (t *MatrixTransport) Messages() <-chan []byte {
	return t.incoming
}

func (t *MatrixTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mutex.Lock()
		defer t.mutex.Unlock()

		close(t.done)

		if t.client == nil {
			close(t.incoming)
			return
		}

		t.client.StopSync()
	})

	return nil
}
