package syncer

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"offsync/internal/domain"
	"offsync/internal/queue"
)

type fakeExec struct {
	failIDs  map[string]error
	attempts []string
}

func (f *fakeExec) Execute(_ context.Context, entry domain.QueueEntry) error {
	f.attempts = append(f.attempts, entry.ID)
	if err, ok := f.failIDs[entry.ID]; ok {
		return err
	}
	return nil
}

type fakeNotifier struct {
	completed [][2]int
	failed    []domain.QueueEntry
	queued    []string
	storage   []error
	unavail   []string
}

func (f *fakeNotifier) ActionQueued(id, actionType string) { f.queued = append(f.queued, id) }
func (f *fakeNotifier) SyncCompleted(synced, failed int) {
	f.completed = append(f.completed, [2]int{synced, failed})
}
func (f *fakeNotifier) ActionUnavailable(actionType string) {
	f.unavail = append(f.unavail, actionType)
}
func (f *fakeNotifier) ActionFailed(e domain.QueueEntry) { f.failed = append(f.failed, e) }
func (f *fakeNotifier) StorageError(err error)           { f.storage = append(f.storage, err) }

func newTestStore(t *testing.T, opts queue.Options) (queue.Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, queue.EnsureSchema(db))
	t.Cleanup(func() { db.Close() })
	return queue.NewSQLiteStore(db, opts), db
}

func enqueue(t *testing.T, s queue.Store, actionType string, priority int) string {
	t.Helper()
	id, err := s.Enqueue(context.Background(), actionType, "store-1", nil, priority)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	return id
}

func TestForceSyncDrainsInPriorityOrder(t *testing.T) {
	store, _ := newTestStore(t, queue.Options{})
	exec := &fakeExec{}
	s := New(store, exec, &fakeNotifier{}, Options{})

	a := enqueue(t, store, domain.ActionCreateOrder, 5)
	b := enqueue(t, store, domain.ActionAddToCart, 3)
	c := enqueue(t, store, domain.ActionUpdateProduct, 5)

	res, err := s.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.SyncResult{Synced: 3, Failed: 0, Success: true}, res)
	assert.Equal(t, []string{a, c, b}, exec.attempts)

	st, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 3, st.Synced)
}

func TestForceSyncPartialFailure(t *testing.T) {
	store, _ := newTestStore(t, queue.Options{})
	exec := &fakeExec{failIDs: map[string]error{}}
	notifier := &fakeNotifier{}
	s := New(store, exec, notifier, Options{})

	enqueue(t, store, domain.ActionCreateOrder, 3)
	bad := enqueue(t, store, domain.ActionAddToCart, 3)
	enqueue(t, store, domain.ActionCreateUser, 3)
	exec.failIDs[bad] = errors.New("validation failed")

	res, err := s.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.SyncResult{Synced: 2, Failed: 1, Success: false}, res)

	pending, err := store.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, bad, pending[0].ID)
	assert.Equal(t, 1, pending[0].RetryCount)
	require.NotNil(t, pending[0].LastError)
	assert.Equal(t, "validation failed", *pending[0].LastError)

	require.Len(t, notifier.completed, 1)
	assert.Equal(t, [2]int{2, 1}, notifier.completed[0])
}

func TestForceSyncSkipsExhaustedEntries(t *testing.T) {
	store, db := newTestStore(t, queue.Options{MaxRetries: 3})
	exec := &fakeExec{}
	s := New(store, exec, &fakeNotifier{}, Options{})

	exhausted := enqueue(t, store, domain.ActionCreateOrder, 5)
	fresh := enqueue(t, store, domain.ActionAddToCart, 3)
	_, err := db.Exec("UPDATE actions SET retry_count=3 WHERE id=?", exhausted)
	require.NoError(t, err)

	res, err := s.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{fresh}, exec.attempts, "exhausted entries wait for manual retry or purge")
	assert.Equal(t, domain.SyncResult{Synced: 1, Failed: 0, Success: true}, res)

	// Not auto-deleted: still visible for the operator.
	e, err := store.Get(context.Background(), exhausted)
	require.NoError(t, err)
	assert.False(t, e.Synced)
}

func TestRetryFailedOnlyAttemptsFailedEntries(t *testing.T) {
	store, db := newTestStore(t, queue.Options{MaxRetries: 3})
	exec := &fakeExec{}
	s := New(store, exec, &fakeNotifier{}, Options{})

	fresh := enqueue(t, store, domain.ActionCreateOrder, 5)
	failedOnce := enqueue(t, store, domain.ActionAddToCart, 3)
	exhausted := enqueue(t, store, domain.ActionCreateUser, 1)
	_, err := db.Exec("UPDATE actions SET retry_count=1 WHERE id=?", failedOnce)
	require.NoError(t, err)
	_, err = db.Exec("UPDATE actions SET retry_count=3 WHERE id=?", exhausted)
	require.NoError(t, err)

	res, err := s.RetryFailed(context.Background())
	require.NoError(t, err)
	// Manual retry covers exhausted entries too, but never fresh ones.
	assert.ElementsMatch(t, []string{failedOnce, exhausted}, exec.attempts)
	assert.NotContains(t, exec.attempts, fresh)
	assert.Equal(t, domain.SyncResult{Synced: 2, Failed: 0, Success: true}, res)
}

func TestForceSyncLeaseContention(t *testing.T) {
	store, _ := newTestStore(t, queue.Options{})
	s := New(store, &fakeExec{}, &fakeNotifier{}, Options{})

	enqueue(t, store, domain.ActionCreateOrder, 3)

	ok, err := store.AcquireLease(context.Background(), "other-drainer", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.ForceSync(context.Background())
	assert.ErrorIs(t, err, ErrDrainInProgress)

	require.NoError(t, store.ReleaseLease(context.Background(), "other-drainer"))
	res, err := s.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
}

func TestActionFailedNotifiedOnceAtExhaustion(t *testing.T) {
	store, _ := newTestStore(t, queue.Options{MaxRetries: 2})
	exec := &fakeExec{failIDs: map[string]error{}}
	notifier := &fakeNotifier{}
	s := New(store, exec, notifier, Options{})

	id := enqueue(t, store, domain.ActionCreateOrder, 5)
	exec.failIDs[id] = errors.New("rejected")

	// First pass: retry 1. Second pass: retry 2, hits the maximum.
	for i := 0; i < 2; i++ {
		res, err := s.ForceSync(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
	}
	require.Len(t, notifier.failed, 1)
	assert.Equal(t, id, notifier.failed[0].ID)
	assert.Equal(t, 2, notifier.failed[0].RetryCount)

	// Exhausted now: further drains skip it, no duplicate notification.
	res, err := s.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.SyncResult{Success: true}, res)
	assert.Len(t, notifier.failed, 1)
}

type blockingExec struct {
	mu       sync.Mutex
	started  chan struct{}
	release  chan struct{}
	attempts []string
}

func (b *blockingExec) Execute(_ context.Context, e domain.QueueEntry) error {
	b.mu.Lock()
	b.attempts = append(b.attempts, e.ID)
	b.mu.Unlock()
	b.started <- struct{}{}
	<-b.release
	return nil
}

func TestForceSyncSerializedPerInstance(t *testing.T) {
	store, _ := newTestStore(t, queue.Options{})
	exec := &blockingExec{started: make(chan struct{}, 1), release: make(chan struct{})}
	s := New(store, exec, &fakeNotifier{}, Options{})

	id := enqueue(t, store, domain.ActionCreateOrder, 5)

	type drainOut struct {
		res domain.SyncResult
		err error
	}
	done := make(chan drainOut, 1)
	go func() {
		res, err := s.ForceSync(context.Background())
		done <- drainOut{res, err}
	}()

	// First drain is mid-execute; a second call on the same instance shares
	// the holder id and must be turned away, not drain alongside it.
	<-exec.started
	_, err := s.ForceSync(context.Background())
	assert.ErrorIs(t, err, ErrDrainInProgress)

	close(exec.release)
	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, domain.SyncResult{Synced: 1, Success: true}, out.res)
	assert.Equal(t, []string{id}, exec.attempts, "entry must be executed exactly once")
}

type traceStore struct {
	queue.Store
	calls []string
}

func (o *traceStore) AcquireLease(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	o.calls = append(o.calls, "lease")
	return o.Store.AcquireLease(ctx, holder, ttl)
}

func (o *traceStore) ListPending(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	o.calls = append(o.calls, "list")
	return o.Store.ListPending(ctx, limit)
}

func TestForceSyncListsUnderLease(t *testing.T) {
	inner, _ := newTestStore(t, queue.Options{})
	store := &traceStore{Store: inner}
	s := New(store, &fakeExec{}, &fakeNotifier{}, Options{})

	enqueue(t, inner, domain.ActionCreateOrder, 3)

	_, err := s.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"lease", "list"}, store.calls,
		"batch must be read under the lease, not snapshotted before it")

	// A contended lease means the batch is never read at all.
	store.calls = nil
	ok, err := inner.AcquireLease(context.Background(), "other-drainer", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.ForceSync(context.Background())
	require.ErrorIs(t, err, ErrDrainInProgress)
	assert.Equal(t, []string{"lease"}, store.calls)
}

func TestForceSyncEmptyQueue(t *testing.T) {
	store, _ := newTestStore(t, queue.Options{})
	notifier := &fakeNotifier{}
	s := New(store, &fakeExec{}, notifier, Options{})

	res, err := s.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.SyncResult{Success: true}, res)
	assert.Empty(t, notifier.completed, "no summary for an empty drain")
}
