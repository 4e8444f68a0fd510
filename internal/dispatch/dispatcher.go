package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"offsync/internal/monitor"
	"offsync/internal/notify"
	"offsync/internal/queue"
)

// OnlineAction performs the mutation directly against the backend. It is only
// invoked while the monitor reports the backend reachable.
type OnlineAction func(ctx context.Context) (any, error)

// Options tune a single Execute call.
type Options struct {
	// Priority of the queued entry if the action falls back offline (1..5,
	// default 3).
	Priority int
	// Fallback is returned to the caller whenever the online path was not
	// taken or did not succeed.
	Fallback any
	// SkipOfflineQueue returns Fallback immediately instead of queueing when
	// the online path is unavailable. The call is terminal: the action is not
	// retried later, and the caller decides whether to call Execute again.
	SkipOfflineQueue bool
	// IdempotencyKey, when set, is stored on the queued entry instead of a
	// generated one. Callers whose online attempt already presented a key to
	// the backend pass the same key here, so a replay of an attempt that
	// committed server-side before the response was lost still dedupes.
	IdempotencyKey string
}

// StateSource is the slice of the connectivity monitor the dispatcher needs.
type StateSource interface {
	State() monitor.State
	ReportBackendDown()
}

// Dispatcher is the single entry point for tenant-scoped mutations with
// offline fallback: online first, durable queue otherwise.
type Dispatcher struct {
	store    queue.Store
	states   StateSource
	notifier notify.Notifier
}

func New(store queue.Store, states StateSource, notifier notify.Notifier) *Dispatcher {
	return &Dispatcher{store: store, states: states, notifier: notifier}
}

// Execute attempts the action online and falls back to the durable queue.
//
// Transient failures (backend down, offline) never surface as errors; the
// action is queued and Fallback returned. Storage failures do surface: an
// action that cannot be saved must not be silently dropped.
func (d *Dispatcher) Execute(ctx context.Context, actionType, tenantID string, payload json.RawMessage, online OnlineAction, opts Options) (any, error) {
	if d.states.State() == monitor.StateOnline && online != nil {
		result, err := online(ctx)
		if err == nil {
			return result, nil
		}
		d.states.ReportBackendDown()
	}

	if opts.SkipOfflineQueue {
		d.notifier.ActionUnavailable(actionType)
		return opts.Fallback, nil
	}

	id, err := d.store.EnqueueWithKey(ctx, actionType, tenantID, payload, opts.Priority, opts.IdempotencyKey)
	if err != nil {
		if errors.Is(err, queue.ErrStorageUnavailable) {
			d.notifier.StorageError(err)
		}
		return opts.Fallback, err
	}
	d.notifier.ActionQueued(id, actionType)
	return opts.Fallback, nil
}
