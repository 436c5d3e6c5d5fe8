package server

import (
	"context"
	"time"

	"github.com/prudhvinik1/ledgersync/internal/models"
)

const presenceInterval = 30 * time.Second

// Presence records which clients hold a subscription.
type Presence interface {
	Touch(ctx context.Context, clientID string, lastSequence int64) error
	Leave(ctx context.Context, clientID string) error
	List(ctx context.Context) ([]models.ClientPresence, error)
}

// TrackPresence makes the hub report its subscribers to p. It must be
// called before the hub serves connections.
func (h *Hub) TrackPresence(p Presence) {
	h.presence = p
}

// heartbeat keeps s marked online until it disconnects.
func (h *Hub) heartbeat(s *subscriber) {
	ticker := time.NewTicker(presenceInterval)
	defer ticker.Stop()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		if err := h.presence.Touch(ctx, s.clientID, s.sent()); err != nil {
			h.logger.Warn("failed to record presence", "client_id", s.clientID, "error", err)
		}
		cancel()

		select {
		case <-s.done:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			defer cancel()
			if err := h.presence.Leave(ctx, s.clientID); err != nil {
				h.logger.Warn("failed to clear presence", "client_id", s.clientID, "error", err)
			}
			return
		case <-ticker.C:
		}
	}
}
