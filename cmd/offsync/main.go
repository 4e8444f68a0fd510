package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"offsync/internal/api"
	"offsync/internal/cleanup"
	"offsync/internal/dispatch"
	"offsync/internal/monitor"
	"offsync/internal/notify"
	"offsync/internal/queue"
	"offsync/internal/remote"
	"offsync/internal/syncer"
)

func main() {
	var (
		addr            = flag.String("addr", ":8080", "HTTP bind address")
		dbPath          = flag.String("db", "offsync.db", "SQLite DB path")
		backendURL      = flag.String("backend", "http://localhost:9090", "backend base URL")
		probeInterval   = flag.Duration("probe-interval", 30*time.Second, "connectivity check interval")
		probeTimeout    = flag.Duration("probe-timeout", 3*time.Second, "health probe timeout")
		requestTimeout  = flag.Duration("request-timeout", 15*time.Second, "backend action request timeout")
		netCheckAddr    = flag.String("net-check", "1.1.1.1:443", "address dialed to detect network connectivity")
		maxEntries      = flag.Int("max-entries", queue.DefaultMaxEntries, "queue size bound")
		maxRetries      = flag.Int("max-retries", queue.DefaultMaxRetries, "retries before an entry counts as failed")
		cleanupSchedule = flag.String("cleanup-schedule", cleanup.DefaultSchedule, "cron schedule for queue cleanup")
		failedRetention = flag.Duration("failed-retention", cleanup.DefaultFailedRetention, "retention for exhausted entries")
		syncedRetention = flag.Duration("synced-retention", cleanup.DefaultSyncedRetention, "retention for synced entries")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	store := queue.NewSQLiteStore(db, queue.Options{MaxEntries: *maxEntries, MaxRetries: *maxRetries})
	backend := remote.NewClient(*backendURL, *requestTimeout, *probeTimeout)
	notifier := notify.LogNotifier{}

	sync := syncer.New(store, backend, notifier, syncer.Options{})
	mon := monitor.New(backend, monitor.DialChecker{Addr: *netCheckAddr}, sync, *probeInterval)
	dispatcher := dispatch.New(store, mon, notifier)

	cleaner, err := cleanup.NewService(store, *cleanupSchedule, *failedRetention, *syncedRetention)
	if err != nil {
		log.Fatal().Err(err).Msg("cleanup schedule")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go mon.Start(ctx)
	cleaner.Start()

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(store, dispatcher, sync, mon, backend)}
	go func() {
		log.Info().Str("addr", *addr).Str("backend", *backendURL).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	mon.Stop()
	cleaner.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
