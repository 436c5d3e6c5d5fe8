package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prudhvinik1/ledgersync/internal/models"
)

const (
	pongWait     = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// EventStream is an open subscription yielding events in sequence order.
type EventStream interface {
	Next(ctx context.Context) (models.SyncEvent, error)
	Close() error
}

// WebsocketTransport opens the server's event subscription.
type WebsocketTransport struct {
	url    string
	token  TokenSource
	Dialer *websocket.Dialer
}

// NewWebsocketTransport accepts the server's http(s) base URL.
func NewWebsocketTransport(baseURL string, token TokenSource) *WebsocketTransport {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if token == nil {
		token = StaticToken("")
	}
	return &WebsocketTransport{url: u + "/v1/subscribe", token: token}
}

// Connect subscribes to events after since. The server first replays its
// backlog and then streams live events.
func (t *WebsocketTransport) Connect(ctx context.Context, since int64) (EventStream, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	token, err := t.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}

	q := url.Values{}
	q.Set("since", fmt.Sprint(since))
	wc, resp, err := dialer.DialContext(ctx, t.url+"?"+q.Encode(), hdr)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, classifyStatus(resp.StatusCode, ErrorBody{})
		}
		return nil, classifyTransport(ctx, err)
	}

	s := &wsStream{wc: wc, done: make(chan struct{})}
	wc.SetReadDeadline(time.Now().Add(pongWait))
	wc.SetPingHandler(func(data string) error {
		wc.SetReadDeadline(time.Now().Add(pongWait))
		return wc.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

type wsStream struct {
	wc        *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// Next blocks for the next event. It returns ErrMalformed for frames that do
// not decode (the stream stays usable), ErrResyncRequired when the server
// asks for a snapshot, and a transient error once the connection is gone.
func (s *wsStream) Next(ctx context.Context) (models.SyncEvent, error) {
	_, data, err := s.wc.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return models.SyncEvent{}, ctx.Err()
		}
		return models.SyncEvent{}, transient(err)
	}
	s.wc.SetReadDeadline(time.Now().Add(pongWait))

	var msg models.StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return models.SyncEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch msg.Type {
	case models.StreamResync:
		return models.SyncEvent{}, ErrResyncRequired
	case models.StreamEvent:
		if msg.Event == nil || msg.Event.Kind == "" || msg.Event.Sequence <= 0 {
			return models.SyncEvent{}, fmt.Errorf("%w: event frame without event", ErrMalformed)
		}
		return *msg.Event, nil
	default:
		return models.SyncEvent{}, fmt.Errorf("%w: unknown frame type %q", ErrMalformed, msg.Type)
	}
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.wc.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		err = s.wc.Close()
	})
	return err
}
