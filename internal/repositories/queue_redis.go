package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	queueKeyFormat    = "ledgersync:%s:queue"
	clientIDKeyFormat = "ledgersync:%s:client_id"
)

// RedisQueueRepository keeps the pending mutation queue in a Redis list, one
// JSON element per mutation. namespace separates users sharing an instance.
type RedisQueueRepository struct {
	client    *redis.Client
	namespace string
}

func NewRedisQueueRepository(client *redis.Client, namespace string) *RedisQueueRepository {
	if namespace == "" {
		namespace = "default"
	}
	return &RedisQueueRepository{client: client, namespace: namespace}
}

func (r *RedisQueueRepository) LoadQueue(ctx context.Context) ([]*models.PendingMutation, error) {
	values, err := r.client.LRange(ctx, r.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	queue := make([]*models.PendingMutation, 0, len(values))
	for _, v := range values {
		var m models.PendingMutation
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending mutation: %w", err)
		}
		queue = append(queue, &m)
	}
	return queue, nil
}

// SaveQueue rewrites the list inside MULTI/EXEC so readers never see a
// partially written queue.
func (r *RedisQueueRepository) SaveQueue(ctx context.Context, queue []*models.PendingMutation) error {
	values := make([]interface{}, 0, len(queue))
	for _, m := range queue {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal pending mutation %s: %w", m.ID, err)
		}
		values = append(values, data)
	}

	key := r.queueKey()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.RPush(ctx, key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save queue: %w", err)
	}
	return nil
}

// EnsureClientID returns the persisted client id, generating one on first use.
func (r *RedisQueueRepository) EnsureClientID(ctx context.Context) (string, error) {
	key := fmt.Sprintf(clientIDKeyFormat, r.namespace)
	if _, err := r.client.SetNX(ctx, key, uuid.NewString(), 0).Result(); err != nil {
		return "", fmt.Errorf("failed to set client id: %w", err)
	}
	id, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("failed to get client id: %w", err)
	}
	return id, nil
}

func (r *RedisQueueRepository) queueKey() string {
	return fmt.Sprintf(queueKeyFormat, r.namespace)
}
