package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prudhvinik1/ledgersync/internal/events"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/prudhvinik1/ledgersync/internal/remote"
	"github.com/prudhvinik1/ledgersync/internal/repositories"
	"github.com/prudhvinik1/ledgersync/internal/stores"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededRegistry() *stores.Registry {
	reg := stores.NewRegistry()
	reg.Accounts.Set(models.Account{
		ID:              "acc-1",
		Name:            "Checking",
		Type:            models.AccountBank,
		Currency:        "EUR",
		StartingBalance: 100,
	})
	return reg
}

// TestSubmit_RollbackExactness tests that a rejected update restores the prior entity exactly
func TestSubmit_RollbackExactness(t *testing.T) {
	// ARRANGE
	reg := seededRegistry()
	before, _ := reg.Accounts.Get("acc-1")
	rejected := &rejections{}
	rem := &fakeRemote{respond: func(int, models.ExecuteRequest) error { return conflict("stale balance") }}
	e := openEngine(t, Options{Remote: rem, Registry: reg, OnRejected: rejected.record})

	// ACT: Optimistic update is visible before transmission
	id, err := e.Submit(context.Background(), mustMutation(t, "updateBalance",
		models.MustEvent(models.KindUpdateAccount, map[string]any{"id": "acc-1", "startingBalance": 150}),
	))
	require.NoError(t, err)
	optimistic, _ := reg.Accounts.Get("acc-1")
	assert.Equal(t, int64(150), optimistic.StartingBalance)

	runEngine(t, e)

	// ASSERT: The server refusal puts everything back
	require.Eventually(t, func() bool { return len(rejected.All()) == 1 }, eventually, tick)
	after, _ := reg.Accounts.Get("acc-1")
	assert.Equal(t, before, after)
	assert.Empty(t, e.Pending())

	got := rejected.All()[0]
	assert.Equal(t, id, got.MutationID)
	assert.Equal(t, "updateBalance", got.Name)
	var rej *remote.RejectedError
	assert.True(t, errors.As(got.Err, &rej))

	var reported error = got
	var merr MutationError
	require.ErrorAs(t, reported, &merr)
	assert.ErrorAs(t, reported, &rej)
}

// TestSubmit_SuppliedRollback tests rollback data holding only the prior field values
func TestSubmit_SuppliedRollback(t *testing.T) {
	// ARRANGE
	reg := seededRegistry()
	before, _ := reg.Accounts.Get("acc-1")
	rejected := &rejections{}
	rem := &fakeRemote{respond: func(int, models.ExecuteRequest) error { return conflict("stale balance") }}
	e := openEngine(t, Options{Remote: rem, Registry: reg, OnRejected: rejected.record})

	m := mustMutation(t, "updateBalance",
		models.MustEvent(models.KindUpdateAccount, map[string]any{"id": "acc-1", "startingBalance": 150}),
	)
	m.Rollback = []json.RawMessage{json.RawMessage(`{"startingBalance":100}`)}

	// ACT
	_, err := e.Submit(context.Background(), m)
	require.NoError(t, err)
	optimistic, _ := reg.Accounts.Get("acc-1")
	require.Equal(t, int64(150), optimistic.StartingBalance)
	runEngine(t, e)

	// ASSERT
	require.Eventually(t, func() bool { return len(rejected.All()) == 1 }, eventually, tick)
	after, _ := reg.Accounts.Get("acc-1")
	assert.Equal(t, before, after)
	assert.Equal(t, 0.0, testutil.ToFloat64(e.metrics.ApplyFailures))
}

// TestSubmit_WithoutEvents tests a mutation that only the server applies
func TestSubmit_WithoutEvents(t *testing.T) {
	// ARRANGE
	reg := seededRegistry()
	rem := &fakeRemote{}
	conn := NewConnectivity(false)
	e := openEngine(t, Options{Remote: rem, Registry: reg, Connectivity: conn})
	before, err := reg.Snapshot(0)
	require.NoError(t, err)

	// ACT
	id, err := e.Submit(context.Background(), Mutation{
		Name:      "purgeArchived",
		Operation: "purgeArchived",
		Variables: json.RawMessage(`{}`),
	})

	// ASSERT: Queued, nothing applied locally
	require.NoError(t, err)
	after, err := reg.Snapshot(0)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	pending := e.Pending()
	require.Len(t, pending, 1)
	assert.Empty(t, pending[0].Events)

	// ACT: The server's events for it arrive before the response
	require.NoError(t, e.Receive(serverEvent(1, testClientID, id, models.KindDeleteAccount, map[string]string{"id": "acc-1"})))
	assert.False(t, reg.Accounts.Has("acc-1"), "events of a mutation without local events are applied")

	conn.Set(true)
	runEngine(t, e)

	// ASSERT: Sent as given and settled
	require.Eventually(t, func() bool { return len(e.Pending()) == 0 }, eventually, tick)
	reqs := rem.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "purgeArchived", reqs[0].Operation)
	assert.JSONEq(t, `{}`, string(reqs[0].Variables))
}

// TestSubmit_CreateAccountRejected tests the create-then-refused scenario
func TestSubmit_CreateAccountRejected(t *testing.T) {
	rejected := &rejections{}
	rem := &fakeRemote{respond: func(int, models.ExecuteRequest) error { return conflict("account exists") }}
	e := openEngine(t, Options{Remote: rem, OnRejected: rejected.record})

	_, err := e.Submit(context.Background(), mustMutation(t, "createAccount",
		models.MustEvent(models.KindCreateAccount, models.Account{ID: "acc-9", Name: "Savings", StartingBalance: 0}),
	))
	require.NoError(t, err)
	assert.True(t, e.Stores().Accounts.Has("acc-9"), "create is visible immediately")

	runEngine(t, e)

	require.Eventually(t, func() bool { return len(rejected.All()) == 1 }, eventually, tick)
	assert.False(t, e.Stores().Accounts.Has("acc-9"), "rejected create is removed")
	assert.Empty(t, e.Pending())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Rejected))
}

// TestRun_DeleteCategoryTransientThenSuccess tests the pause-and-resume path
func TestRun_DeleteCategoryTransientThenSuccess(t *testing.T) {
	// ARRANGE: Server is down on the first attempt
	reg := stores.NewRegistry()
	reg.Categories.Set(models.ActivityCategory{ID: "cat-1", Name: "Groceries", Kind: models.CategoryExpense})
	reg.Categories.Set(models.ActivityCategory{ID: "cat-2", Name: "Salary", Kind: models.CategoryIncome})
	rem := &fakeRemote{respond: func(n int, _ models.ExecuteRequest) error {
		if n == 1 {
			return unavailable()
		}
		return nil
	}}
	onlyCat2 := func() {
		t.Helper()
		assert.Equal(t, 1, reg.Categories.Len())
		assert.True(t, reg.Categories.Has("cat-2"))
		assert.False(t, reg.Categories.Has("cat-1"))
	}
	conn := NewConnectivity(true)
	e := openEngine(t, Options{Remote: rem, Registry: reg, Connectivity: conn})

	// ACT
	m := mustMutation(t, "deleteActivityCategory",
		models.MustEvent(models.KindDeleteActivityCategory, map[string]string{"id": "cat-1"}),
	)
	cat1, err := json.Marshal(models.ActivityCategory{ID: "cat-1", Name: "Groceries", Kind: models.CategoryExpense})
	require.NoError(t, err)
	m.Rollback = []json.RawMessage{cat1}
	id, err := e.Submit(context.Background(), m)
	require.NoError(t, err)
	onlyCat2()
	runEngine(t, e)

	// ASSERT: Still deleted locally, queued with one failed attempt, offline
	require.Eventually(t, func() bool { return !conn.Online() }, eventually, tick)
	onlyCat2()
	assert.Never(t, func() bool { return reg.Categories.Has("cat-1") }, 50*time.Millisecond, tick)
	pending := e.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, models.StatusQueued, pending[0].Status)

	// ACT: Connectivity comes back
	conn.Set(true)

	// ASSERT: Settled with the same mutation id, still deleted
	require.Eventually(t, func() bool { return len(e.Pending()) == 0 }, eventually, tick)
	onlyCat2()
	reqs := rem.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, id, reqs[0].MutationID)
	assert.Equal(t, id, reqs[1].MutationID)
	assert.Equal(t, "deleteActivityCategory", reqs[1].Operation)
}

// TestRun_FIFO tests that mutations are sent in submission order, one at a time
func TestRun_FIFO(t *testing.T) {
	rem := &fakeRemote{respond: func(int, models.ExecuteRequest) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	}}
	conn := NewConnectivity(false)
	e := openEngine(t, Options{Remote: rem, Connectivity: conn})
	runEngine(t, e)

	var ids []string
	for _, name := range []string{"Home", "Work", "Travel", "Garden"} {
		id, err := e.Submit(context.Background(), mustMutation(t, "createProject",
			models.MustEvent(models.KindCreateProject, models.Project{ID: "p-" + name, Name: name}),
		))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Empty(t, rem.Requests(), "nothing is sent while offline")

	conn.Set(true)

	require.Eventually(t, func() bool { return len(rem.Requests()) == 4 }, eventually, tick)
	var sent []string
	for _, r := range rem.Requests() {
		sent = append(sent, r.MutationID)
		assert.Equal(t, testClientID, r.ClientID)
	}
	assert.Equal(t, ids, sent)
	assert.False(t, rem.Overlapped(), "only one mutation may be in flight")
}

// TestRun_MaxAttempts tests that repeated transient failures end in a rollback
func TestRun_MaxAttempts(t *testing.T) {
	rejected := &rejections{}
	rem := &fakeRemote{respond: func(int, models.ExecuteRequest) error { return unavailable() }}
	conn := NewConnectivity(true)
	e := openEngine(t, Options{Remote: rem, Connectivity: conn, MaxAttempts: 2, OnRejected: rejected.record})

	_, err := e.Submit(context.Background(), mustMutation(t, "createProject",
		models.MustEvent(models.KindCreateProject, models.Project{ID: "p-1", Name: "Home"}),
	))
	require.NoError(t, err)
	runEngine(t, e)

	require.Eventually(t, func() bool { return !conn.Online() }, eventually, tick)
	e.DequeueMutations()
	conn.Set(true)

	require.Eventually(t, func() bool { return len(rejected.All()) == 1 }, eventually, tick)
	assert.True(t, errors.Is(rejected.All()[0].Err, remote.ErrTransient))
	assert.False(t, e.Stores().Projects.Has("p-1"))
	assert.Len(t, rem.Requests(), 2)
}

// TestSubmit_StorageFailure tests that a failed durable write undoes the optimistic apply
func TestSubmit_StorageFailure(t *testing.T) {
	reg := seededRegistry()
	before, err := reg.Snapshot(0)
	require.NoError(t, err)
	storage := &failingStorage{MemoryQueueRepository: repositories.NewMemoryQueueRepository()}
	e := openEngine(t, Options{Registry: reg, Storage: storage})
	storage.fail = true

	_, err = e.Submit(context.Background(), mustMutation(t, "rename",
		models.MustEvent(models.KindUpdateAccount, map[string]any{"id": "acc-1", "name": "Renamed"}),
		models.MustEvent(models.KindCreateProject, models.Project{ID: "p-1", Name: "Home"}),
	))

	require.Error(t, err)
	after, err2 := reg.Snapshot(0)
	require.NoError(t, err2)
	assert.Equal(t, before, after)
	assert.Empty(t, e.Pending())
}

func TestSubmit_Invalid(t *testing.T) {
	e := openEngine(t, Options{})

	_, err := e.Submit(context.Background(), Mutation{Name: "nothing"})
	assert.ErrorIs(t, err, ErrEmptyMutation)
	_, err = EventMutation("nothing")
	assert.ErrorIs(t, err, ErrEmptyMutation)

	_, err = e.Submit(context.Background(), Mutation{
		Events:   []models.SyncEvent{models.MustEvent(models.KindUpdateAccount, map[string]any{"id": "acc-1", "name": "x"})},
		Rollback: []json.RawMessage{json.RawMessage(`["not", "an", "object"]`)},
	})
	assert.ErrorIs(t, err, events.ErrInvalidRollback)

	_, err = e.Submit(context.Background(), Mutation{
		Events:   []models.SyncEvent{models.MustEvent(models.KindUpdateAccount, map[string]any{"id": "acc-1", "name": "x"})},
		Rollback: []json.RawMessage{json.RawMessage(`{"id":"acc-2","name":"y"}`)},
	})
	assert.ErrorIs(t, err, events.ErrInvalidRollback)

	_, err = e.Submit(context.Background(), Mutation{Events: []models.SyncEvent{
		{Kind: "transferFunds", Payload: json.RawMessage(`{"id":"x"}`)},
	}})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = e.Submit(context.Background(), Mutation{Events: []models.SyncEvent{
		models.MustEvent(models.KindUpdateAccount, map[string]any{"name": "no id"}),
	}})
	assert.ErrorIs(t, err, models.ErrMissingEntityID)
	assert.Empty(t, e.Pending())
}

// TestRejection_LaterMutationsSurvive tests that undoing the head keeps later pending effects
func TestRejection_LaterMutationsSurvive(t *testing.T) {
	// ARRANGE: First mutation will be refused, the second accepted
	reg := seededRegistry()
	rem := &fakeRemote{respond: func(n int, _ models.ExecuteRequest) error {
		if n == 1 {
			return conflict("nope")
		}
		return nil
	}}
	conn := NewConnectivity(false)
	e := openEngine(t, Options{Remote: rem, Registry: reg, Connectivity: conn})

	_, err := e.Submit(context.Background(), mustMutation(t, "balance",
		models.MustEvent(models.KindUpdateAccount, map[string]any{"id": "acc-1", "startingBalance": 150}),
	))
	require.NoError(t, err)
	_, err = e.Submit(context.Background(), mustMutation(t, "rename",
		models.MustEvent(models.KindUpdateAccount, map[string]any{"id": "acc-1", "name": "Main"}),
	))
	require.NoError(t, err)

	// ACT
	runEngine(t, e)
	conn.Set(true)

	// ASSERT
	require.Eventually(t, func() bool { return len(rem.Requests()) == 2 && len(e.Pending()) == 0 }, eventually, tick)
	acc, _ := reg.Accounts.Get("acc-1")
	assert.Equal(t, int64(100), acc.StartingBalance)
	assert.Equal(t, "Main", acc.Name)
}

// TestOpen_RestartDurability tests that queued mutations survive a restart and are sent once
func TestOpen_RestartDurability(t *testing.T) {
	// ARRANGE: Queue two mutations while offline
	storage := repositories.NewMemoryQueueRepository()
	first := openEngine(t, Options{Storage: storage, Connectivity: NewConnectivity(false)})
	var ids []string
	for _, id := range []string{"acc-1", "acc-2"} {
		mid, err := first.Submit(context.Background(), mustMutation(t, "createAccount",
			models.MustEvent(models.KindCreateAccount, models.Account{ID: id, Name: id}),
		))
		require.NoError(t, err)
		ids = append(ids, mid)
	}

	// Simulate a crash while the head was in flight.
	queue, err := storage.LoadQueue(context.Background())
	require.NoError(t, err)
	queue[0].Status = models.StatusInFlight
	require.NoError(t, storage.SaveQueue(context.Background(), queue))

	// ACT: Restart with empty stores
	rem := &fakeRemote{}
	second := openEngine(t, Options{Storage: storage, Remote: rem})

	// ASSERT: Optimistic state is back before anything is sent
	pending := second.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, models.StatusQueued, pending[0].Status)
	assert.True(t, second.Stores().Accounts.Has("acc-1"))
	assert.True(t, second.Stores().Accounts.Has("acc-2"))

	runEngine(t, second)
	require.Eventually(t, func() bool { return len(second.Pending()) == 0 }, eventually, tick)
	var sent []string
	for _, r := range rem.Requests() {
		sent = append(sent, r.MutationID)
	}
	assert.Equal(t, ids, sent, "each mutation is sent exactly once, in order")

	persisted, err := storage.LoadQueue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

// TestOpen_FinishesInterruptedRejection tests recovery of a rollback cut short by a crash
func TestOpen_FinishesInterruptedRejection(t *testing.T) {
	storage := repositories.NewMemoryQueueRepository()
	reg := stores.NewRegistry()
	first := openEngine(t, Options{Storage: storage, Registry: reg, Connectivity: NewConnectivity(false)})
	_, err := first.Submit(context.Background(), mustMutation(t, "createProject",
		models.MustEvent(models.KindCreateProject, models.Project{ID: "p-1", Name: "Home"}),
	))
	require.NoError(t, err)
	snap, err := first.Snapshot()
	require.NoError(t, err)

	queue, err := storage.LoadQueue(context.Background())
	require.NoError(t, err)
	queue[0].Status = models.StatusFailed
	require.NoError(t, storage.SaveQueue(context.Background(), queue))

	restored := stores.NewRegistry()
	require.NoError(t, restored.Restore(snap))
	second := openEngine(t, Options{Storage: storage, Registry: restored})

	assert.False(t, restored.Projects.Has("p-1"))
	assert.Empty(t, second.Pending())
}

func TestEventMutation(t *testing.T) {
	single, err := EventMutation("", models.MustEvent(models.KindCreateProject, models.Project{ID: "p-1"}))
	require.NoError(t, err)
	assert.Equal(t, "createProject", single.Operation)
	assert.Equal(t, "createProject", single.Name)
	assert.JSONEq(t, string(single.Events[0].Payload), string(single.Variables))

	multi, err := EventMutation("split",
		models.MustEvent(models.KindCreateActivity, models.Activity{ID: "act-1", Title: "Lunch"}),
		models.MustEvent(models.KindCreateMovement, models.Movement{ID: "mv-1", ActivityID: "act-1", AccountID: "acc-1", Amount: -1200}),
	)
	require.NoError(t, err)
	assert.Equal(t, OperationCommitEvents, multi.Operation)
	var inputs []models.EventInput
	require.NoError(t, json.Unmarshal(multi.Variables, &inputs))
	require.Len(t, inputs, 2)
	assert.Equal(t, models.KindCreateMovement, inputs[1].Kind)
}

func TestProber(t *testing.T) {
	conn := NewConnectivity(false)
	health := &fakeHealth{upAt: 3}
	p := &Prober{Health: health, Conn: conn, Min: time.Millisecond, Max: 2 * time.Millisecond}

	ctx := testContext(t)
	go p.Run(ctx)

	require.Eventually(t, conn.Online, eventually, tick)
	health.mu.Lock()
	assert.GreaterOrEqual(t, health.calls, 3)
	health.mu.Unlock()
}

func TestConnectivity_Watch(t *testing.T) {
	conn := NewConnectivity(true)
	watch := conn.Watch()

	conn.Set(true)
	select {
	case <-watch:
		t.Fatal("setting the same value must not notify")
	default:
	}

	conn.Set(false)
	select {
	case <-watch:
	default:
		t.Fatal("change must notify")
	}
	assert.False(t, conn.Online())
}
