package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prudhvinik1/ledgersync/internal/models"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	sendBuffer  = 256
	backlogPage = 500
)

// EventLog is the part of the event repository the hub replays from.
type EventLog interface {
	GetSinceSequence(ctx context.Context, sequence int64, limit int) ([]models.SyncEvent, error)
	LastSequence(ctx context.Context) (int64, error)
}

// Hub fans committed events out to websocket subscribers. A new subscriber
// gets the backlog after its position first, then live events. Subscribers
// that cannot keep up are disconnected and resume by sequence later.
type Hub struct {
	log       EventLog
	maxReplay int64
	logger    *slog.Logger
	metrics   *Metrics
	upgrader  websocket.Upgrader
	presence  Presence

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub replays at most maxReplay events to a reconnecting subscriber and
// asks it to resync from a snapshot beyond that. Zero means no limit.
func NewHub(log EventLog, maxReplay int64, logger *slog.Logger, metrics *Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{
		log:       log,
		maxReplay: maxReplay,
		logger:    logger,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Publish offers events to every subscriber without blocking.
func (h *Hub) Publish(ctx context.Context, evs []models.SyncEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		for _, ev := range evs {
			if !s.offer(ev) {
				h.logger.Warn("closing slow subscriber", "client_id", s.clientID, "last_sent", s.sent())
				h.metrics.SlowSubscribers.Inc()
				s.close()
				break
			}
		}
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeWS upgrades the request and streams events after since until the
// connection ends.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, clientID string, since int64) {
	wc, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "client_id", clientID, "error", err)
		return
	}

	s := newSubscriber(clientID, since)
	h.register(s)
	defer h.unregister(s)

	go s.readLoop(wc)
	if h.presence != nil {
		go h.heartbeat(s)
	}
	go h.sendBacklog(r.Context(), s, since)
	s.writeLoop(wc)
}

func (h *Hub) register(s *subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.metrics.Subscribers.Set(float64(n))
	h.logger.Info("subscriber connected", "client_id", s.clientID, "since", s.lastSent)
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()
	s.close()
	h.metrics.Subscribers.Set(float64(n))
	h.logger.Info("subscriber disconnected", "client_id", s.clientID)
}

func (h *Hub) sendBacklog(ctx context.Context, s *subscriber, since int64) {
	last, err := h.log.LastSequence(ctx)
	if err != nil {
		h.logger.Error("failed to read last sequence", "error", err)
		s.close()
		return
	}
	if since > last || (h.maxReplay > 0 && last-since > h.maxReplay) {
		h.logger.Info("subscriber must resync", "client_id", s.clientID, "since", since, "last", last)
		s.finish(frame(models.StreamMessage{Type: models.StreamResync}))
		return
	}

	pos := since
	for {
		page, err := h.log.GetSinceSequence(ctx, pos, backlogPage)
		if err != nil {
			h.logger.Error("failed to read backlog", "client_id", s.clientID, "error", err)
			s.close()
			return
		}
		for _, ev := range page {
			if !s.push(ev) {
				return
			}
			pos = ev.Sequence
		}
		if len(page) < backlogPage {
			break
		}
	}
	if !s.goLive() {
		h.logger.Warn("closing slow subscriber", "client_id", s.clientID, "last_sent", s.sent())
		h.metrics.SlowSubscribers.Inc()
		s.close()
	}
}

func frame(msg models.StreamMessage) []byte {
	data, _ := json.Marshal(msg)
	return data
}

func eventFrame(ev models.SyncEvent) []byte {
	return frame(models.StreamMessage{Type: models.StreamEvent, Event: &ev})
}

// subscriber is one websocket connection. Until the backlog is sent, live
// events are stashed; afterwards they go straight to the send buffer.
type subscriber struct {
	clientID string
	send     chan []byte
	done     chan struct{}
	once     sync.Once

	mu       sync.Mutex
	live     bool
	stash    []models.SyncEvent
	lastSent int64
}

func newSubscriber(clientID string, since int64) *subscriber {
	return &subscriber{
		clientID: clientID,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		lastSent: since,
	}
}

func (s *subscriber) sent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSent
}

// offer reports false when the subscriber fell too far behind.
func (s *subscriber) offer(ev models.SyncEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live {
		s.stash = append(s.stash, ev)
		return len(s.stash) <= sendBuffer
	}
	return s.enqueueLocked(ev)
}

func (s *subscriber) enqueueLocked(ev models.SyncEvent) bool {
	if ev.Sequence <= s.lastSent {
		return true
	}
	select {
	case s.send <- eventFrame(ev):
		s.lastSent = ev.Sequence
		return true
	case <-s.done:
		return true
	default:
		return false
	}
}

// push sends a backlog event, waiting for buffer space.
func (s *subscriber) push(ev models.SyncEvent) bool {
	select {
	case s.send <- eventFrame(ev):
	case <-s.done:
		return false
	}
	s.mu.Lock()
	s.lastSent = ev.Sequence
	s.mu.Unlock()
	return true
}

func (s *subscriber) goLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.stash {
		if !s.enqueueLocked(ev) {
			return false
		}
	}
	s.stash = nil
	s.live = true
	return true
}

// finish sends a last frame and then closes the connection normally.
func (s *subscriber) finish(last []byte) {
	select {
	case s.send <- last:
	case <-s.done:
		return
	}
	select {
	case s.send <- nil:
	case <-s.done:
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) writeLoop(wc *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wc.Close()
	}()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			wc.SetWriteDeadline(time.Now().Add(writeWait))
			if msg == nil {
				wc.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := wc.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			wc.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop only services control frames; subscribers never send data.
func (s *subscriber) readLoop(wc *websocket.Conn) {
	defer s.close()
	wc.SetReadLimit(4096)
	wc.SetReadDeadline(time.Now().Add(pongWait))
	wc.SetPongHandler(func(string) error {
		wc.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := wc.ReadMessage(); err != nil {
			return
		}
	}
}
