package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"offsync/internal/domain"
	"offsync/internal/notify"
	"offsync/internal/queue"
)

// ErrDrainInProgress means another synchronizer instance holds the drain
// lease. The caller should back off; the lease holder is doing the work.
var ErrDrainInProgress = errors.New("drain already in progress")

const (
	DefaultBatchSize = 50
	DefaultLeaseTTL  = 60 * time.Second
)

// Executor performs one queued action remotely, keyed by the entry's action
// type and idempotency key.
type Executor interface {
	Execute(ctx context.Context, entry domain.QueueEntry) error
}

type Options struct {
	BatchSize int
	LeaseTTL  time.Duration
}

// Syncer drains the local queue against the backend. Only one instance drains
// at a time; the store's lease arbitrates between competing drainers.
type Syncer struct {
	store    queue.Store
	exec     Executor
	notifier notify.Notifier
	holder   string
	batch    int
	leaseTTL time.Duration

	mu sync.Mutex // one drain at a time per instance
}

func New(store queue.Store, exec Executor, notifier notify.Notifier, opts Options) *Syncer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	return &Syncer{
		store:    store,
		exec:     exec,
		notifier: notifier,
		holder:   "syncer_" + uuid.NewString(),
		batch:    opts.BatchSize,
		leaseTTL: opts.LeaseTTL,
	}
}

// ForceSync drains up to one batch of pending entries in priority/age order.
// Entries that already exhausted their retries are skipped; they wait for
// manual retry or the stale purge.
func (s *Syncer) ForceSync(ctx context.Context) (domain.SyncResult, error) {
	return s.drain(ctx, true, func(ctx context.Context) ([]domain.QueueEntry, error) {
		return s.store.ListPending(ctx, s.batch)
	})
}

// RetryFailed re-attempts only entries that have failed at least once,
// including ones past the retry maximum. This is the manual, user-triggered
// override; fresh entries are left to the normal drain.
func (s *Syncer) RetryFailed(ctx context.Context) (domain.SyncResult, error) {
	return s.drain(ctx, false, func(ctx context.Context) ([]domain.QueueEntry, error) {
		return s.store.ListRetryable(ctx, s.batch)
	})
}

func (s *Syncer) drain(ctx context.Context, skipExhausted bool, fetch func(context.Context) ([]domain.QueueEntry, error)) (domain.SyncResult, error) {
	// The lease arbitrates between instances sharing one store; the mutex
	// covers concurrent calls on this instance, which all share one holder id
	// and would pass the lease check together.
	if !s.mu.TryLock() {
		return domain.SyncResult{}, ErrDrainInProgress
	}
	defer s.mu.Unlock()

	ok, err := s.store.AcquireLease(ctx, s.holder, s.leaseTTL)
	if err != nil {
		return domain.SyncResult{}, err
	}
	if !ok {
		return domain.SyncResult{}, ErrDrainInProgress
	}
	defer func() {
		if err := s.store.ReleaseLease(context.WithoutCancel(ctx), s.holder); err != nil {
			log.Warn().Err(err).Msg("release drain lease")
		}
	}()

	// Listed under the lease: a batch snapshotted earlier could contain
	// entries a competing holder already synced.
	entries, err := fetch(ctx)
	if err != nil {
		return domain.SyncResult{}, err
	}

	maxRetries := s.store.MaxRetries()
	var res domain.SyncResult
	for _, e := range entries {
		if skipExhausted && e.RetryCount >= maxRetries {
			continue
		}
		if err := s.exec.Execute(ctx, e); err != nil {
			count, rerr := s.store.RecordRetryFailure(ctx, e.ID, err.Error())
			if rerr != nil {
				log.Error().Err(rerr).Str("entry_id", e.ID).Msg("record retry failure")
			}
			res.Failed++
			if count == maxRetries {
				msg := err.Error()
				e.RetryCount = count
				e.LastError = &msg
				s.notifier.ActionFailed(e)
			}
			log.Debug().Err(err).Str("entry_id", e.ID).Str("action_type", e.ActionType).Msg("sync attempt failed")
			continue
		}
		if err := s.store.MarkSynced(ctx, e.ID); err != nil {
			log.Error().Err(err).Str("entry_id", e.ID).Msg("mark synced")
		}
		res.Synced++
	}
	res.Success = res.Failed == 0

	if res.Synced+res.Failed > 0 {
		s.notifier.SyncCompleted(res.Synced, res.Failed)
	}
	return res, nil
}
