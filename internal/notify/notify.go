package notify

import (
	"github.com/rs/zerolog/log"

	"offsync/internal/domain"
)

// Notifier is the user-facing signal surface (toast layer, status bar). The
// core invokes it on the transitions users care about; it never reads back.
type Notifier interface {
	// ActionQueued fires when an action is stored for later sync.
	ActionQueued(entryID, actionType string)
	// SyncCompleted fires after a drain pass with its summary counts.
	SyncCompleted(synced, failed int)
	// ActionUnavailable fires when an online action failed and the caller
	// opted out of queueing.
	ActionUnavailable(actionType string)
	// ActionFailed fires once, when an entry exhausts its retries.
	ActionFailed(entry domain.QueueEntry)
	// StorageError fires when the local store refused a write.
	StorageError(err error)
}

// LogNotifier emits signals as structured log events.
type LogNotifier struct{}

func (LogNotifier) ActionQueued(entryID, actionType string) {
	log.Info().Str("entry_id", entryID).Str("action_type", actionType).Msg("action queued for later sync")
}

func (LogNotifier) SyncCompleted(synced, failed int) {
	if failed == 0 {
		log.Info().Int("synced", synced).Msg("synchronization succeeded")
		return
	}
	log.Warn().Int("synced", synced).Int("failed", failed).Msg("synchronization partial")
}

func (LogNotifier) ActionUnavailable(actionType string) {
	log.Warn().Str("action_type", actionType).Msg("action temporarily unavailable")
}

func (LogNotifier) ActionFailed(entry domain.QueueEntry) {
	ev := log.Error().Str("entry_id", entry.ID).Str("action_type", entry.ActionType).Int("retries", entry.RetryCount)
	if entry.LastError != nil {
		ev = ev.Str("last_error", *entry.LastError)
	}
	ev.Msg("action failed after max retries")
}

func (LogNotifier) StorageError(err error) {
	log.Error().Err(err).Msg("storage error, action could not be saved")
}
