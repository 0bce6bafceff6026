package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvrcore/nvrcore/internal/config"
	"github.com/nvrcore/nvrcore/internal/media"
	"github.com/nvrcore/nvrcore/internal/segment"
	"github.com/nvrcore/nvrcore/internal/worker"
)

type fakeSource struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeSource) Connect(ctx context.Context) error { return nil }

func (s *fakeSource) ReadPacket(ctx context.Context) (media.Packet, error) {
	<-ctx.Done()
	return media.Packet{}, ctx.Err()
}

func (s *fakeSource) Descriptor() segment.Descriptor {
	return segment.Descriptor{Video: media.VideoDescriptor{Codec: "h264", Width: 640, Height: 480}}
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeSink struct{}

func (s *fakeSink) WritePacket(ctx context.Context, pkt media.Packet, desc segment.Descriptor) error {
	return nil
}
func (s *fakeSink) Close(ctx context.Context) error { return nil }

func testFactories() (SourceFactory, SinkFactory) {
	return func(cfg config.StreamConfig) (worker.Source, error) {
			return &fakeSource{}, nil
		}, func(cfg config.StreamConfig) (worker.Sink, error) {
			return &fakeSink{}, nil
		}
}

func testManager() *Manager {
	newSource, newSink := testFactories()
	cfg := DefaultConfig()
	cfg.StaggerInterval = time.Millisecond
	cfg.ShutdownTimeout = time.Second
	return New(cfg, newSource, newSink, nil, zerolog.Nop())
}

func TestManagerStartsWorkersForEnabledRecordingStreams(t *testing.T) {
	m := testManager()
	streams := []config.StreamConfig{
		{Name: "front-door", Enabled: true, Record: true, Priority: 5},
		{Name: "disabled-cam", Enabled: false, Record: true, Priority: 5},
		{Name: "view-only", Enabled: true, Record: false, Priority: 5},
	}

	require.NoError(t, m.Start(context.Background(), streams))
	defer m.StopAll(context.Background())

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		e, ok := m.workers["front-door"]
		return ok && e.w.State() == worker.StateRunning
	}, 2*time.Second, 10*time.Millisecond)

	names := m.StreamNames()
	assert.Contains(t, names, "front-door")
	assert.NotContains(t, names, "disabled-cam")
	assert.NotContains(t, names, "view-only")
}

func TestManagerStopAllDrainsWorkers(t *testing.T) {
	m := testManager()
	streams := []config.StreamConfig{{Name: "front-door", Enabled: true, Record: true, Priority: 5}}
	require.NoError(t, m.Start(context.Background(), streams))

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		e, ok := m.workers["front-door"]
		return ok && e.w.State() == worker.StateRunning
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.StopAll(context.Background()))
}

func TestManagerReloadStopsRemovedStream(t *testing.T) {
	m := testManager()
	streams := []config.StreamConfig{{Name: "front-door", Enabled: true, Record: true, Priority: 5}}
	require.NoError(t, m.Start(context.Background(), streams))
	defer m.StopAll(context.Background())

	require.Eventually(t, func() bool {
		return len(m.StreamNames()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	m.Reload(nil)

	require.Eventually(t, func() bool {
		return len(m.StreamNames()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerReloadStartsNewStream(t *testing.T) {
	m := testManager()
	require.NoError(t, m.Start(context.Background(), nil))
	defer m.StopAll(context.Background())

	m.Reload([]config.StreamConfig{{Name: "back-yard", Enabled: true, Record: true, Priority: 10}})

	require.Eventually(t, func() bool {
		return len(m.StreamNames()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
