// Package manager implements the Recording Manager (C4): a supervision
// tree over per-stream Workers built on github.com/thejerf/suture/v4,
// generalized from the teacher's hand-rolled map[string]*Recorder +
// sync.WaitGroup (internal/recording/service.go) into an idiomatic Go
// supervisor, grounded on tomtom215-cartographus's SupervisorTree.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/nvrcore/nvrcore/internal/config"
	"github.com/nvrcore/nvrcore/internal/logging"
	"github.com/nvrcore/nvrcore/internal/worker"
)

// SourceFactory builds a fresh worker.Source for a stream (an RTSP session
// in production, a fake in tests).
type SourceFactory func(cfg config.StreamConfig) (worker.Source, error)

// SinkFactory builds a fresh worker.Sink (a *segment.Writer in production)
// for a stream.
type SinkFactory func(cfg config.StreamConfig) (worker.Sink, error)

// Config tunes the Recording Manager (spec.md §4.4/§5 defaults).
type Config struct {
	StaggerInterval time.Duration
	ShutdownTimeout time.Duration

	// Memory governor (spec.md §5). MemHighWaterMB == 0 disables it.
	MemSampleInterval time.Duration
	MemHighWaterMB    uint64
	MemLowWaterMB     uint64
	MemSampleStreak   int
}

// DefaultConfig returns spec.md's defaults; the memory governor is
// disabled (MemHighWaterMB == 0) until the caller sets a watermark.
func DefaultConfig() Config {
	return Config{
		StaggerInterval:   150 * time.Millisecond,
		ShutdownTimeout:   10 * time.Second,
		MemSampleInterval: 5 * time.Second,
		MemSampleStreak:   3,
	}
}

type entry struct {
	cfg    config.StreamConfig
	w      *worker.Worker
	token  suture.ServiceToken
	paused bool
}

// Manager owns the map of stream name -> worker and the suture supervisor
// that runs them (spec.md §4.4's "Contract").
type Manager struct {
	tree      *suture.Supervisor
	logger    zerolog.Logger
	cfg       Config
	publisher worker.HeartbeatPublisher
	newSource SourceFactory
	newSink   SinkFactory

	mu      sync.Mutex
	workers map[string]*entry

	treeCtx    context.Context
	treeCancel context.CancelFunc
	treeDone   <-chan error

	governorCancel context.CancelFunc
	governorDone   chan struct{}
}

// New creates a Recording Manager. publisher may be nil to disable
// heartbeat publication.
func New(cfg Config, newSource SourceFactory, newSink SinkFactory, publisher worker.HeartbeatPublisher, logger zerolog.Logger) *Manager {
	logger = logger.With().Str("component", "manager").Logger()

	slogger := logging.NewSlogLogger(logger)
	eventHook := (&sutureslog.Handler{Logger: slogger}).MustHook()

	tree := suture.New("recording-manager", suture.Spec{
		EventHook:       eventHook,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          cfg.ShutdownTimeout,
	})

	return &Manager{
		tree:      tree,
		logger:    logger,
		cfg:       cfg,
		publisher: publisher,
		newSource: newSource,
		newSink:   newSink,
		workers:   make(map[string]*entry),
	}
}

// Start begins serving the supervisor tree in the background and starts a
// worker for every enabled-and-recording stream, staggered by
// cfg.StaggerInterval (spec.md §4.4).
func (m *Manager) Start(ctx context.Context, streams []config.StreamConfig) error {
	m.treeCtx, m.treeCancel = context.WithCancel(ctx)
	m.treeDone = m.tree.ServeBackground(m.treeCtx)

	for _, s := range streams {
		if !s.Enabled || !s.Record {
			continue
		}
		if err := m.addWorker(s); err != nil {
			m.logger.Error().Err(err).Str("stream", s.Name).Msg("failed to start worker")
			continue
		}
		time.Sleep(m.cfg.StaggerInterval)
	}

	if m.cfg.MemHighWaterMB > 0 {
		m.startMemoryGovernor()
	}

	return nil
}

// StopAll stops the memory governor, cancels the supervisor tree's context
// (signalling every worker to stop) and waits up to cfg.ShutdownTimeout for
// the tree to drain, returning an error on timeout (spec.md §4.4).
func (m *Manager) StopAll(ctx context.Context) error {
	if m.governorCancel != nil {
		m.governorCancel()
		<-m.governorDone
	}

	if m.treeCancel == nil {
		return nil
	}
	m.treeCancel()

	select {
	case err := <-m.treeDone:
		if err != nil {
			return fmt.Errorf("supervisor tree stopped with error: %w", err)
		}
		return nil
	case <-time.After(m.cfg.ShutdownTimeout):
		return fmt.Errorf("supervisor tree did not drain within %s", m.cfg.ShutdownTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// addWorker constructs a Source/Sink pair for s and adds it to the
// supervisor tree. Caller must not hold m.mu.
func (m *Manager) addWorker(s config.StreamConfig) error {
	source, err := m.newSource(s)
	if err != nil {
		return fmt.Errorf("build source: %w", err)
	}
	sink, err := m.newSink(s)
	if err != nil {
		return fmt.Errorf("build sink: %w", err)
	}

	wcfg := worker.DefaultConfig(s.Name)
	wcfg.Priority = worker.Priority(s.Priority)

	w := worker.New(wcfg, source, sink, m.publisher, m.logger)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workers[s.Name]; exists {
		return fmt.Errorf("worker already running for stream %s", s.Name)
	}
	token := m.tree.Add(w)
	m.workers[s.Name] = &entry{cfg: s, w: w, token: token}
	m.logger.Info().Str("stream", s.Name).Msg("worker added")
	return nil
}

// AddStream starts a worker for a single stream at runtime (used by
// Reload and external stream-add requests).
func (m *Manager) AddStream(s config.StreamConfig) error {
	return m.addWorker(s)
}

// RemoveStream stops and removes a stream's worker.
func (m *Manager) RemoveStream(name string) error {
	m.mu.Lock()
	e, exists := m.workers[name]
	if exists {
		delete(m.workers, name)
	}
	m.mu.Unlock()

	if !exists {
		return nil
	}
	return m.tree.RemoveAndWait(e.token, m.cfg.ShutdownTimeout)
}

// Reload diffs the desired stream set against the running set and
// reconciles: stops removed/disabled streams, starts newly-enabled ones,
// restarts streams whose config changed (generalized from teacher
// Service.OnConfigChange).
func (m *Manager) Reload(desired []config.StreamConfig) {
	desiredByName := make(map[string]config.StreamConfig, len(desired))
	for _, s := range desired {
		desiredByName[s.Name] = s
	}

	m.mu.Lock()
	var toRemove []string
	for name, e := range m.workers {
		s, stillDesired := desiredByName[name]
		if !stillDesired || !s.Enabled || !s.Record {
			toRemove = append(toRemove, name)
			continue
		}
		if s != e.cfg {
			toRemove = append(toRemove, name)
		}
	}
	m.mu.Unlock()

	for _, name := range toRemove {
		if err := m.RemoveStream(name); err != nil {
			m.logger.Error().Err(err).Str("stream", name).Msg("failed to stop worker during reload")
		}
	}

	m.mu.Lock()
	running := make(map[string]struct{}, len(m.workers))
	for name := range m.workers {
		running[name] = struct{}{}
	}
	m.mu.Unlock()

	for _, s := range desired {
		if !s.Enabled || !s.Record {
			continue
		}
		if _, exists := running[s.Name]; exists {
			continue
		}
		if err := m.addWorker(s); err != nil {
			m.logger.Error().Err(err).Str("stream", s.Name).Msg("failed to start worker during reload")
		}
	}
}

// StreamNames returns the names of all currently-supervised streams.
func (m *Manager) StreamNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.workers))
	for name := range m.workers {
		names = append(names, name)
	}
	return names
}
