package cleanup

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"offsync/internal/queue"
)

const (
	DefaultSchedule        = "@every 1h"
	DefaultFailedRetention = 24 * time.Hour
	DefaultSyncedRetention = time.Hour
)

// Service periodically purges exhausted entries past their retention window
// and synced entries past their transient audit window.
type Service struct {
	store           queue.Store
	cron            *cron.Cron
	failedRetention time.Duration
	syncedRetention time.Duration
}

func NewService(store queue.Store, schedule string, failedRetention, syncedRetention time.Duration) (*Service, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if failedRetention <= 0 {
		failedRetention = DefaultFailedRetention
	}
	if syncedRetention <= 0 {
		syncedRetention = DefaultSyncedRetention
	}
	s := &Service{
		store:           store,
		cron:            cron.New(),
		failedRetention: failedRetention,
		syncedRetention: syncedRetention,
	}
	if _, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.RunOnce(ctx)
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Start() {
	s.cron.Start()
	log.Info().Dur("failed_retention", s.failedRetention).Dur("synced_retention", s.syncedRetention).Msg("cleanup service started")
}

func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce executes one cleanup pass and returns the purge counts.
func (s *Service) RunOnce(ctx context.Context) (failed, synced int) {
	failed, err := s.store.PurgeStaleFailed(ctx, s.failedRetention)
	if err != nil {
		log.Error().Err(err).Msg("purge stale failed entries")
	}
	synced, err = s.store.PurgeSynced(ctx, s.syncedRetention)
	if err != nil {
		log.Error().Err(err).Msg("purge synced entries")
	}
	if failed > 0 || synced > 0 {
		log.Info().Int("failed_purged", failed).Int("synced_purged", synced).Msg("cleanup pass finished")
	}
	return failed, synced
}
