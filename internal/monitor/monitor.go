package monitor

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"offsync/internal/domain"
	"offsync/internal/syncer"
)

// State classifies reachability of the backend.
type State string

const (
	StateOnline      State = "online"
	StateOffline     State = "offline"      // no network at all
	StateBackendDown State = "backend_down" // network up, backend probe failing
	StateSyncing     State = "syncing"      // transient, while a drain runs
)

// Prober performs the backend health check. It must enforce its own short
// timeout; a hung probe must not stall state transitions.
type Prober interface {
	Probe(ctx context.Context) error
}

// NetworkChecker reports whether the host has any network connectivity,
// independent of the backend.
type NetworkChecker interface {
	Online(ctx context.Context) bool
}

// Drainer is invoked on recovery transitions.
type Drainer interface {
	ForceSync(ctx context.Context) (domain.SyncResult, error)
}

// DialChecker answers the network question by dialing a well-known address.
type DialChecker struct {
	Addr    string
	Timeout time.Duration
}

func (d DialChecker) Online(ctx context.Context) bool {
	addr := d.Addr
	if addr == "" {
		addr = "1.1.1.1:443"
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

const DefaultInterval = 30 * time.Second

// Monitor polls connectivity on a fixed interval and drives recovery: a
// transition into online from offline or backend_down triggers a drain, with
// the state reading syncing until the drain resolves.
type Monitor struct {
	prober   Prober
	network  NetworkChecker
	drainer  Drainer
	interval time.Duration

	mu        sync.Mutex
	state     State
	listeners []func(old, new State)

	checkMu sync.Mutex // serializes Check; drains must not overlap
	stop    chan struct{}
	once    sync.Once
}

func New(prober Prober, network NetworkChecker, drainer Drainer, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		prober:   prober,
		network:  network,
		drainer:  drainer,
		interval: interval,
		state:    StateOnline,
		stop:     make(chan struct{}),
	}
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a listener for state transitions. Listeners run on the
// monitor's goroutine and must return quickly.
func (m *Monitor) Subscribe(fn func(old, new State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Monitor) setState(next State) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	listeners := make([]func(old, new State), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	log.Info().Str("from", string(prev)).Str("to", string(next)).Msg("connectivity state changed")
	for _, fn := range listeners {
		fn(prev, next)
	}
}

// ReportBackendDown forces the state when an online action just failed, so
// subsequent dispatches queue instead of hammering a dead backend.
func (m *Monitor) ReportBackendDown() {
	m.setState(StateBackendDown)
}

// Start runs the poll loop until ctx is done or Stop is called. An immediate
// check runs before the first tick.
func (m *Monitor) Start(ctx context.Context) {
	log.Info().Dur("interval", m.interval).Msg("connectivity monitor started")
	m.Check(ctx)

	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-t.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stop) })
}

// Check classifies connectivity once and, on a recovery transition, runs a
// drain. Returns the state after any drain has resolved.
func (m *Monitor) Check(ctx context.Context) State {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	prev := m.State()

	var next State
	switch {
	case !m.network.Online(ctx):
		next = StateOffline
	case m.prober.Probe(ctx) != nil:
		next = StateBackendDown
	default:
		next = StateOnline
	}

	recovered := next == StateOnline && (prev == StateOffline || prev == StateBackendDown)
	if !recovered || m.drainer == nil {
		m.setState(next)
		return m.State()
	}

	m.setState(StateSyncing)
	res, err := m.drainer.ForceSync(ctx)
	switch {
	case err == nil:
		log.Info().Int("synced", res.Synced).Int("failed", res.Failed).Msg("recovery drain finished")
		m.setState(StateOnline)
	case errors.Is(err, syncer.ErrDrainInProgress):
		m.setState(StateOnline)
	default:
		log.Warn().Err(err).Msg("recovery drain failed")
		m.setState(StateBackendDown)
	}
	return m.State()
}
