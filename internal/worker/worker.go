package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/thejerf/suture/v4"

	"github.com/rs/zerolog"

	"github.com/nvrcore/nvrcore/internal/segment"
)

// Config is one Stream Worker's tunables (spec.md §4.3/§5 defaults).
type Config struct {
	Stream                  string
	Priority                Priority
	ConnectTimeout          time.Duration
	BackoffMin              time.Duration
	BackoffMax              time.Duration
	WatchdogTimeout         time.Duration
	HeartbeatInterval       time.Duration
	BreakerFailureThreshold uint32
}

// DefaultConfig returns spec.md's defaults for stream.
func DefaultConfig(stream string) Config {
	return Config{
		Stream:                  stream,
		Priority:                PriorityNormal,
		ConnectTimeout:          10 * time.Second,
		BackoffMin:              1 * time.Second,
		BackoffMax:              30 * time.Second,
		WatchdogTimeout:         30 * time.Second,
		HeartbeatInterval:       5 * time.Second,
		BreakerFailureThreshold: 5,
	}
}

// Worker is the Stream Worker (C3): it drives a Source, forwards packets
// to a Sink (a Segment Writer), and reports Heartbeats, generalized from
// the teacher Recorder's mutex-guarded state/counters
// (internal/recording/recorder.go) to spec.md §4.3's richer state machine.
// Reconnection is wrapped in a per-worker circuit breaker (not present in
// the teacher, which retries unconditionally) grounded on
// tomtom215-cartographus's gobreaker usage pattern.
type Worker struct {
	cfg       Config
	source    Source
	sink      Sink
	publisher HeartbeatPublisher
	logger    zerolog.Logger
	breaker   *gobreaker.CircuitBreaker[struct{}]

	mu           sync.RWMutex
	state        State
	lastErr      error
	lastPTS      time.Duration
	bytesWritten int64
	paused       bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Stream Worker. publisher may be nil to disable heartbeats
// (e.g. in tests that don't care about them).
func New(cfg Config, source Source, sink Sink, publisher HeartbeatPublisher, logger zerolog.Logger) *Worker {
	logger = logger.With().Str("component", "worker").Str("stream", cfg.Stream).Logger()

	breakerSettings := gobreaker.Settings{
		Name:    cfg.Stream,
		Timeout: cfg.BackoffMax,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker_from", from.String()).Str("breaker_to", to.String()).Msg("circuit breaker state change")
		},
	}

	return &Worker{
		cfg:       cfg,
		source:    source,
		sink:      sink,
		publisher: publisher,
		logger:    logger,
		breaker:   gobreaker.NewCircuitBreaker[struct{}](breakerSettings),
		state:     StateInit,
	}
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) setErr(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

// LastError returns the most recent error observed, if any.
func (w *Worker) LastError() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastErr
}

// Pause transitions a Running worker to Stopping, closing its segment
// cleanly, without tearing down the Worker object itself — used by the
// Recording Manager's memory-pressure governor (spec.md §5) to suspend the
// lowest-priority worker. The Manager resumes a paused stream by replacing
// this Worker with a freshly added one.
func (w *Worker) Pause(ctx context.Context) error {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
	return w.Stop(ctx)
}

// Paused reports whether the worker was stopped via Pause rather than Stop.
func (w *Worker) Paused() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.paused
}

// Priority returns the worker's scheduling priority.
func (w *Worker) Priority() Priority { return w.cfg.Priority }

// Start begins the worker's run loop in a new goroutine. ctx governs the
// worker's entire lifetime; canceling it begins a graceful stop.
func (w *Worker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.paused = false
	w.mu.Unlock()
	w.done = make(chan struct{})
	go w.run(runCtx)
}

// Stop signals a graceful stop and waits for the run loop to exit, or for
// ctx to expire first.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	backoff := w.cfg.BackoffMin
	w.setState(StateConnecting)

	for {
		if ctx.Err() != nil && w.State() != StateStopping && w.State() != StateStopped {
			w.setState(StateStopping)
		}

		switch w.State() {
		case StateConnecting:
			connectCtx, cancel := context.WithTimeout(ctx, w.cfg.ConnectTimeout)
			_, err := w.breaker.Execute(func() (struct{}, error) {
				return struct{}{}, w.source.Connect(connectCtx)
			})
			cancel()
			if err != nil {
				w.setErr(fmt.Errorf("connect: %w", err))
				w.logger.Warn().Err(err).Msg("connect failed")
				w.setState(StateReconnecting)
				continue
			}
			backoff = w.cfg.BackoffMin
			w.setState(StateRunning)

		case StateRunning:
			err := w.runLoop(ctx)
			switch {
			case err == nil:
				w.setState(StateStopping)
			case ctx.Err() != nil:
				w.setState(StateStopping)
			default:
				w.setErr(fmt.Errorf("run: %w", err))
				w.logger.Warn().Err(err).Msg("packet loop ended, reconnecting")
				w.setState(StateReconnecting)
			}

		case StateReconnecting:
			_ = w.source.Close()
			select {
			case <-ctx.Done():
				w.setState(StateStopping)
			case <-time.After(backoff):
				backoff *= 2
				if backoff > w.cfg.BackoffMax {
					backoff = w.cfg.BackoffMax
				}
				w.setState(StateConnecting)
			}

		case StateStopping:
			_ = w.source.Close()
			if err := w.sink.Close(context.Background()); err != nil {
				w.logger.Warn().Err(err).Msg("sink close failed during stop")
			}
			w.setState(StateStopped)

		case StateStopped:
			return
		}
	}
}

// runLoop pulls packets until the source errors, ctx is canceled, or a
// per-packet read exceeds the watchdog timeout (spec.md §5).
func (w *Worker) runLoop(ctx context.Context) error {
	lastHeartbeat := time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}

		readCtx, cancel := context.WithTimeout(ctx, w.cfg.WatchdogTimeout)
		pkt, err := w.source.ReadPacket(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		desc := w.source.Descriptor()
		if err := w.sink.WritePacket(ctx, pkt, desc); err != nil {
			return fmt.Errorf("sink write: %w", err)
		}

		w.mu.Lock()
		w.lastPTS = pkt.PTS
		if !pkt.IsAudio {
			w.bytesWritten += int64(len(pkt.Payload))
		}
		w.mu.Unlock()

		if w.publisher != nil && time.Since(lastHeartbeat) >= w.cfg.HeartbeatInterval {
			w.publishHeartbeat()
			lastHeartbeat = time.Now()
		}
	}
}

func (w *Worker) publishHeartbeat() {
	w.mu.RLock()
	hb := Heartbeat{
		Stream:       w.cfg.Stream,
		State:        w.state.String(),
		LastPTS:      int64(w.lastPTS),
		BytesWritten: w.bytesWritten,
		At:           time.Now(),
	}
	if w.lastErr != nil {
		hb.Error = w.lastErr.Error()
	}
	w.mu.RUnlock()
	w.publisher.PublishHeartbeat(hb)
}

// Serve implements suture.Service (internal/manager's supervision tree):
// it runs the same state machine as Start/Stop but blocks the calling
// goroutine, which is what suture expects of a supervised service. It
// returns suture.ErrDoNotRestart once ctx is canceled — a worker stopped
// deliberately (graceful shutdown, or the memory governor's Pause) is not
// auto-restarted by suture; an unexpected panic is, per suture's default
// crash-recovery behavior, which this return value does not suppress.
func (w *Worker) Serve(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.paused = false
	w.mu.Unlock()
	w.done = make(chan struct{})

	w.run(runCtx)
	return suture.ErrDoNotRestart
}

// String names the service for suture's logs and UnstoppedServiceReport.
func (w *Worker) String() string { return w.cfg.Stream }

var _ Sink = (*segment.Writer)(nil)
var _ suture.Service = (*Worker)(nil)
