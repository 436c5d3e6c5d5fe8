package repositories

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prudhvinik1/ledgersync/internal/database"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMutation(id string, status models.MutationStatus) *models.PendingMutation {
	ev := testEvent(models.KindUpdateAccount, `{"id":"a-1","startingBalance":150}`, id)
	return &models.PendingMutation{
		ID:         id,
		Name:       "updateAccount",
		Operation:  "updateAccount",
		Variables:  json.RawMessage(`{"id":"a-1","startingBalance":150}`),
		Events:     []models.SyncEvent{ev},
		Rollback:   []json.RawMessage{json.RawMessage(`{"id":"a-1","startingBalance":100}`)},
		Status:     status,
		Attempts:   1,
		EnqueuedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

// TestSQLiteQueueRepository_SurvivesReopen tests that the queue outlives the process
func TestSQLiteQueueRepository_SurvivesReopen(t *testing.T) {
	// ARRANGE: A fresh database file
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "client.db")

	db, err := database.NewSQLite(ctx, path)
	require.NoError(t, err)
	repo, err := NewSQLiteQueueRepository(ctx, db)
	require.NoError(t, err)

	queue := []*models.PendingMutation{
		testMutation("m-1", models.StatusInFlight),
		testMutation("m-2", models.StatusQueued),
		testMutation("m-3", models.StatusQueued),
	}

	// ACT: Save, close, reopen
	require.NoError(t, repo.SaveQueue(ctx, queue))
	require.NoError(t, db.Close())

	db, err = database.NewSQLite(ctx, path)
	require.NoError(t, err)
	defer db.Close()
	repo, err = NewSQLiteQueueRepository(ctx, db)
	require.NoError(t, err)
	loaded, err := repo.LoadQueue(ctx)

	// ASSERT: Same mutations in the same order
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	for i, m := range loaded {
		assert.Equal(t, queue[i].ID, m.ID)
		assert.Equal(t, queue[i].Status, m.Status)
		assert.JSONEq(t, string(queue[i].Rollback[0]), string(m.Rollback[0]))
		assert.JSONEq(t, string(queue[i].Events[0].Payload), string(m.Events[0].Payload))
	}
}

// TestSQLiteQueueRepository_SaveReplaces tests that a save drops settled mutations
func TestSQLiteQueueRepository_SaveReplaces(t *testing.T) {
	ctx := context.Background()
	db, err := database.NewSQLite(ctx, filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	defer db.Close()
	repo, err := NewSQLiteQueueRepository(ctx, db)
	require.NoError(t, err)

	require.NoError(t, repo.SaveQueue(ctx, []*models.PendingMutation{
		testMutation("m-1", models.StatusQueued),
		testMutation("m-2", models.StatusQueued),
	}))

	// ACT: Head settled
	require.NoError(t, repo.SaveQueue(ctx, []*models.PendingMutation{
		testMutation("m-2", models.StatusQueued),
	}))

	// ASSERT
	loaded, err := repo.LoadQueue(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "m-2", loaded[0].ID)

	require.NoError(t, repo.SaveQueue(ctx, nil))
	loaded, err = repo.LoadQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestSQLiteQueueRepository_EnsureClientID(t *testing.T) {
	ctx := context.Background()
	db, err := database.NewSQLite(ctx, filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	defer db.Close()
	repo, err := NewSQLiteQueueRepository(ctx, db)
	require.NoError(t, err)

	first, err := repo.EnsureClientID(ctx)
	require.NoError(t, err)
	second, err := repo.EnsureClientID(ctx)
	require.NoError(t, err)

	assert.NotEmpty(t, first)
	assert.Equal(t, first, second, "client id must be stable")
}

// TestSQLiteSnapshotRepository tests saving and loading the domain stores
func TestSQLiteSnapshotRepository(t *testing.T) {
	ctx := context.Background()
	db, err := database.NewSQLite(ctx, filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	defer db.Close()
	repo, err := NewSQLiteSnapshotRepository(ctx, db)
	require.NoError(t, err)

	// Nothing saved yet
	_, err = repo.LoadSnapshot(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	snap := &models.Snapshot{
		Sequence: 42,
		Families: map[models.Family][]json.RawMessage{
			models.FamilyAccounts: {json.RawMessage(`{"id":"a-1","name":"Cash"}`)},
		},
	}

	// ACT
	require.NoError(t, repo.SaveSnapshot(ctx, snap))
	loaded, err := repo.LoadSnapshot(ctx)

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, int64(42), loaded.Sequence)
	require.Len(t, loaded.Families[models.FamilyAccounts], 1)
	assert.JSONEq(t, `{"id":"a-1","name":"Cash"}`, string(loaded.Families[models.FamilyAccounts][0]))
	assert.Empty(t, loaded.Families[models.FamilyMovements])

	// Overwrite replaces the family wholesale.
	snap.Sequence = 43
	snap.Families[models.FamilyAccounts] = nil
	require.NoError(t, repo.SaveSnapshot(ctx, snap))
	loaded, err = repo.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(43), loaded.Sequence)
	assert.Empty(t, loaded.Families[models.FamilyAccounts])
}

// TestRedisQueueRepository tests the redis-backed queue against miniredis
func TestRedisQueueRepository(t *testing.T) {
	// ARRANGE
	client := getTestRedisClient(t)
	repo := NewRedisQueueRepository(client, "user-1")
	other := NewRedisQueueRepository(client, "user-2")
	ctx := context.Background()

	// ACT
	require.NoError(t, repo.SaveQueue(ctx, []*models.PendingMutation{
		testMutation("m-1", models.StatusQueued),
		testMutation("m-2", models.StatusQueued),
	}))

	// ASSERT
	loaded, err := repo.LoadQueue(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "m-1", loaded[0].ID)
	assert.Equal(t, "m-2", loaded[1].ID)

	otherQueue, err := other.LoadQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, otherQueue, "namespaces must not share a queue")

	require.NoError(t, repo.SaveQueue(ctx, nil))
	loaded, err = repo.LoadQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	id1, err := repo.EnsureClientID(ctx)
	require.NoError(t, err)
	id2, err := repo.EnsureClientID(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestMemoryQueueRepository_CopiesOnSave(t *testing.T) {
	repo := NewMemoryQueueRepository()
	ctx := context.Background()

	m := testMutation("m-1", models.StatusQueued)
	require.NoError(t, repo.SaveQueue(ctx, []*models.PendingMutation{m}))

	// Mutating the caller's copy must not leak into storage.
	m.Status = models.StatusFailed
	m.Events[0].Payload[0] = 'X'

	loaded, err := repo.LoadQueue(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, models.StatusQueued, loaded[0].Status)
	assert.JSONEq(t, `{"id":"a-1","startingBalance":150}`, string(loaded[0].Events[0].Payload))
	assert.Equal(t, 1, repo.Saves())
}

func getTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisPresenceRepository(t *testing.T) {
	// ARRANGE
	client := getTestRedisClient(t)
	repo := NewRedisPresenceRepository(client, "test")
	ctx := context.Background()

	// ACT
	require.NoError(t, repo.Touch(ctx, "client-a", 7))
	require.NoError(t, repo.Touch(ctx, "client-b", 3))
	require.NoError(t, repo.Leave(ctx, "client-b"))
	list, err := repo.List(ctx)

	// ASSERT
	require.NoError(t, err)
	require.Len(t, list, 2)
	byID := map[string]models.ClientPresence{}
	for _, p := range list {
		byID[p.ClientID] = p
	}
	assert.Equal(t, models.PresenceOnline, byID["client-a"].Status)
	assert.Equal(t, int64(7), byID["client-a"].LastSequence)
	assert.Equal(t, models.PresenceOffline, byID["client-b"].Status)

	ttl := client.TTL(ctx, "test:presence:client-a").Val()
	assert.Greater(t, ttl, time.Duration(0))
}
