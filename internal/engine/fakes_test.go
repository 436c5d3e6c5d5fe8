package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/prudhvinik1/ledgersync/internal/remote"
	"github.com/prudhvinik1/ledgersync/internal/repositories"
	"github.com/prudhvinik1/ledgersync/internal/stores"
	"github.com/stretchr/testify/require"
)

// fakeRemote records every request and answers with respond.
type fakeRemote struct {
	mu       sync.Mutex
	requests []models.ExecuteRequest
	respond  func(n int, req models.ExecuteRequest) error
	inFlight int
	overlap  bool
}

func (f *fakeRemote) Execute(ctx context.Context, req models.ExecuteRequest) (*models.ExecuteResponse, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > 1 {
		f.overlap = true
	}
	f.requests = append(f.requests, req)
	n := len(f.requests)
	respond := f.respond
	f.mu.Unlock()

	var err error
	if respond != nil {
		err = respond(n, req)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	return &models.ExecuteResponse{}, err
}

func (f *fakeRemote) Requests() []models.ExecuteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ExecuteRequest(nil), f.requests...)
}

func (f *fakeRemote) Overlapped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlap
}

func conflict(msg string) error {
	return &remote.RejectedError{StatusCode: 409, Code: "conflict", Message: msg}
}

func unavailable() error {
	return errors.Join(remote.ErrTransient, errors.New("503 service unavailable"))
}

// failingStorage refuses writes while fail is set.
type failingStorage struct {
	*repositories.MemoryQueueRepository
	mu   sync.Mutex
	fail bool
}

func (s *failingStorage) SaveQueue(ctx context.Context, queue []*models.PendingMutation) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.MemoryQueueRepository.SaveQueue(ctx, queue)
}

type streamItem struct {
	ev  models.SyncEvent
	err error
}

// fakeStream yields scripted items, then blocks until closed.
type fakeStream struct {
	items     chan streamItem
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream(items ...streamItem) *fakeStream {
	s := &fakeStream{items: make(chan streamItem, len(items)+8), closed: make(chan struct{})}
	for _, it := range items {
		s.items <- it
	}
	return s
}

func (s *fakeStream) Next(ctx context.Context) (models.SyncEvent, error) {
	select {
	case it := <-s.items:
		return it.ev, it.err
	case <-ctx.Done():
		return models.SyncEvent{}, ctx.Err()
	case <-s.closed:
		return models.SyncEvent{}, errors.New("stream closed")
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// fakeTransport hands out queued streams and records the resume positions.
type fakeTransport struct {
	mu      sync.Mutex
	sinces  []int64
	streams chan *fakeStream
}

func newFakeTransport(streams ...*fakeStream) *fakeTransport {
	t := &fakeTransport{streams: make(chan *fakeStream, len(streams)+8)}
	for _, s := range streams {
		t.streams <- s
	}
	return t
}

func (t *fakeTransport) Connect(ctx context.Context, since int64) (remote.EventStream, error) {
	t.mu.Lock()
	t.sinces = append(t.sinces, since)
	t.mu.Unlock()
	select {
	case s := <-t.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Sinces() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int64(nil), t.sinces...)
}

type fakeSnapshotter struct {
	snap *models.Snapshot
}

func (f *fakeSnapshotter) FetchSnapshot(ctx context.Context) (*models.Snapshot, error) {
	return f.snap, nil
}

type fakeHealth struct {
	mu    sync.Mutex
	calls int
	upAt  int
}

func (f *fakeHealth) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls < f.upAt {
		return unavailable()
	}
	return nil
}

type rejections struct {
	mu   sync.Mutex
	errs []MutationError
}

func (r *rejections) record(err MutationError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *rejections) All() []MutationError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MutationError(nil), r.errs...)
}

const testClientID = "client-a"

func openEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.ClientID == "" {
		opts.ClientID = testClientID
	}
	if opts.Remote == nil {
		opts.Remote = &fakeRemote{}
	}
	if opts.Storage == nil {
		opts.Storage = repositories.NewMemoryQueueRepository()
	}
	if opts.Registry == nil {
		opts.Registry = stores.NewRegistry()
	}
	opts.SubscribeBackoffMin = time.Millisecond
	opts.SubscribeBackoffMax = 5 * time.Millisecond
	e, err := Open(context.Background(), opts)
	require.NoError(t, err)
	return e
}

// runEngine starts the transmission loop until the test ends.
func runEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func serverEvent(seq int64, clientID, mutationID string, kind models.EventKind, payload any) models.SyncEvent {
	ev := models.MustEvent(kind, payload)
	ev.Sequence = seq
	ev.ClientID = clientID
	ev.MutationID = mutationID
	return ev
}

func mustMutation(t *testing.T, name string, evs ...models.SyncEvent) Mutation {
	t.Helper()
	m, err := EventMutation(name, evs...)
	require.NoError(t, err)
	return m
}

const (
	eventually = 2 * time.Second
	tick       = 5 * time.Millisecond
)
