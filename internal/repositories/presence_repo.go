package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyFormat   = "%s:presence:%s"
	presenceIndexFormat = "%s:presence"
	// PresenceTTL expires a client that stopped sending heartbeats.
	PresenceTTL = 2 * time.Minute
)

// RedisPresenceRepository records subscribed clients with a TTL so every
// server instance sees the same set.
type RedisPresenceRepository struct {
	client    *redis.Client
	namespace string
}

func NewRedisPresenceRepository(client *redis.Client, namespace string) *RedisPresenceRepository {
	if namespace == "" {
		namespace = "ledgersync"
	}
	return &RedisPresenceRepository{client: client, namespace: namespace}
}

// Touch marks the client online and refreshes its TTL.
func (r *RedisPresenceRepository) Touch(ctx context.Context, clientID string, lastSequence int64) error {
	data, err := json.Marshal(models.ClientPresence{
		ClientID:     clientID,
		Status:       models.PresenceOnline,
		LastSequence: lastSequence,
		LastSeen:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(clientID), data, PresenceTTL)
	pipe.SAdd(ctx, r.index(), clientID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) Leave(ctx context.Context, clientID string) error {
	if err := r.client.Del(ctx, r.key(clientID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	return nil
}

// List returns every client seen so far. Clients whose entry expired are
// reported offline.
func (r *RedisPresenceRepository) List(ctx context.Context) ([]models.ClientPresence, error) {
	ids, err := r.client.SMembers(ctx, r.index()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	if len(ids) == 0 {
		return []models.ClientPresence{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	// MGet retrieves every entry in one round trip
	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get bulk presence: %w", err)
	}

	out := make([]models.ClientPresence, 0, len(ids))
	for i, result := range results {
		offline := models.ClientPresence{ClientID: ids[i], Status: models.PresenceOffline}
		data, ok := result.(string)
		if !ok {
			out = append(out, offline)
			continue
		}
		var p models.ClientPresence
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			out = append(out, offline)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *RedisPresenceRepository) key(clientID string) string {
	return fmt.Sprintf(presenceKeyFormat, r.namespace, clientID)
}

func (r *RedisPresenceRepository) index() string {
	return fmt.Sprintf(presenceIndexFormat, r.namespace)
}
