// Package eventbus wraps an embedded NATS server for internal pub/sub:
// detection events posted by the external API layer (subject
// "detections.<stream>") and worker heartbeats/status fan-out consumed by
// internal/wsstatus (subject "worker.<stream>.heartbeat"). Grounded on the
// teacher's internal/core/eventbus.go, trimmed of its multi-plugin
// dynamic-port allocation (internal/core/ports.go's PortManager — this
// module runs one process with one embedded bus, so a single configurable
// port replaces the port-conflict-avoidance machinery a plugin host needs)
// and of its plugin-lifecycle event types (no plugin loader in this spec).
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultPort is the standard NATS port; spec.md does not reserve a
// specific one, so this follows the teacher's own default.
const DefaultPort = 4222

// Config configures the embedded NATS server.
type Config struct {
	Host string
	Port int // 0 uses DefaultPort, -1 lets the OS assign an ephemeral port
}

func DefaultConfig() Config {
	return Config{Host: "127.0.0.1", Port: DefaultPort}
}

// Bus is the embedded-NATS event bus.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger zerolog.Logger

	subsMu sync.RWMutex
	subs   map[string][]*nats.Subscription
}

// New starts an embedded NATS server and connects to it.
func New(cfg Config, logger zerolog.Logger) (*Bus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("eventbus: create NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("eventbus: NATS server not ready after 2s")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("eventbus: connect to embedded NATS: %w", err)
	}

	bus := &Bus{
		server: ns,
		conn:   nc,
		logger: logger.With().Str("component", "eventbus").Logger(),
		subs:   make(map[string][]*nats.Subscription),
	}
	bus.logger.Info().Str("url", ns.ClientURL()).Msg("event bus started")
	return bus, nil
}

// ClientURL returns the NATS client URL, for other in-process components
// that want a direct *nats.Conn.
func (b *Bus) ClientURL() string { return b.server.ClientURL() }

// Publish marshals data as JSON and publishes it to subject.
func (b *Bus) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("eventbus: marshal: %w", err)
	}
	return b.conn.Publish(subject, payload)
}

// Subscribe registers handler for subject.
func (b *Bus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}
	b.subsMu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.subsMu.Unlock()
	return sub, nil
}

// Unsubscribe removes all subscriptions registered for subject.
func (b *Bus) Unsubscribe(subject string) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for _, sub := range b.subs[subject] {
		_ = sub.Unsubscribe()
	}
	delete(b.subs, subject)
}

// Stop drains the connection and shuts down the embedded server.
func (b *Bus) Stop() {
	_ = b.conn.Drain()
	b.server.Shutdown()
	b.logger.Info().Msg("event bus stopped")
}

// HealthCheck verifies the connection is alive.
func (b *Bus) HealthCheck(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("eventbus: connection not active")
	}
	_, err := b.conn.RequestWithContext(ctx, "_health", []byte("ping"))
	if err == nats.ErrNoResponders {
		return nil
	}
	return err
}

// Subjects used by this module's components (spec.md §6).
const (
	SubjectDetectionFmt        = "detections.%s"      // published by the external API layer per stream
	SubjectWorkerHeartbeatFmt  = "worker.%s.heartbeat" // published by internal/worker via PublishHeartbeat
	SubjectWorkerHeartbeatGlob = "worker.*.heartbeat"  // wildcard subscription used by internal/wsstatus
)

// DetectionSubject returns the per-stream detection subject.
func DetectionSubject(stream string) string {
	return fmt.Sprintf(SubjectDetectionFmt, stream)
}

// HeartbeatSubject returns the per-stream heartbeat subject.
func HeartbeatSubject(stream string) string {
	return fmt.Sprintf(SubjectWorkerHeartbeatFmt, stream)
}
