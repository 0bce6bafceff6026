package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvrcore/nvrcore/internal/media"
	"github.com/nvrcore/nvrcore/internal/segment"
)

type fakeSource struct {
	mu          sync.Mutex
	connectErr  error
	connectCall int
	packets     []media.Packet
	idx         int
	closed      bool
}

func (s *fakeSource) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectCall++
	return s.connectErr
}

func (s *fakeSource) ReadPacket(ctx context.Context) (media.Packet, error) {
	s.mu.Lock()
	if s.idx < len(s.packets) {
		pkt := s.packets[s.idx]
		s.idx++
		s.mu.Unlock()
		return pkt, nil
	}
	s.mu.Unlock()

	// Packets exhausted: block like a live source would, until the
	// worker's context is canceled (a graceful stop) or the watchdog
	// deadline (also ctx-derived) fires.
	<-ctx.Done()
	return media.Packet{}, ctx.Err()
}

func (s *fakeSource) Descriptor() segment.Descriptor {
	return segment.Descriptor{Video: media.VideoDescriptor{Codec: "h264", Width: 1280, Height: 720}}
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeSink struct {
	mu      sync.Mutex
	written []media.Packet
	closed  bool
}

func (s *fakeSink) WritePacket(ctx context.Context, pkt media.Packet, desc segment.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, pkt)
	return nil
}

func (s *fakeSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakePublisher struct {
	mu  sync.Mutex
	hbs []Heartbeat
}

func (p *fakePublisher) PublishHeartbeat(hb Heartbeat) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hbs = append(p.hbs, hb)
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hbs)
}

func TestWorkerRunsThroughPacketsThenStopsOnRequest(t *testing.T) {
	src := &fakeSource{packets: []media.Packet{
		{Payload: []byte("k1"), IsKeyframe: true},
		{Payload: []byte("p1")},
	}}
	sink := &fakeSink{}
	cfg := DefaultConfig("front-door")
	cfg.WatchdogTimeout = time.Second
	w := New(cfg, src, sink, nil, zerolog.Nop())

	w.Start(context.Background())

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.written) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, StateStopped, w.State())

	src.mu.Lock()
	assert.True(t, src.closed)
	src.mu.Unlock()
}

func TestWorkerRetriesOnConnectFailure(t *testing.T) {
	src := &fakeSource{connectErr: errors.New("refused")}
	sink := &fakeSink{}
	cfg := DefaultConfig("front-door")
	cfg.BackoffMin = 5 * time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond
	w := New(cfg, src, sink, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.connectCall >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return w.State() == StateStopped }, time.Second, 10*time.Millisecond)
	assert.Error(t, w.LastError())
}

func TestWorkerStopIsGraceful(t *testing.T) {
	src := &fakeSource{packets: make([]media.Packet, 0)}
	sink := &fakeSink{}
	w := New(DefaultConfig("front-door"), src, sink, nil, zerolog.Nop())

	w.Start(context.Background())
	require.Eventually(t, func() bool { return w.State() == StateRunning || w.State() == StateStopped }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, StateStopped, w.State())

	sink.mu.Lock()
	assert.True(t, sink.closed)
	sink.mu.Unlock()
}

func TestWorkerPublishesHeartbeats(t *testing.T) {
	src := &fakeSource{packets: []media.Packet{
		{Payload: []byte("k1"), IsKeyframe: true},
	}}
	sink := &fakeSink{}
	pub := &fakePublisher{}
	cfg := DefaultConfig("front-door")
	cfg.HeartbeatInterval = 0
	w := New(cfg, src, sink, pub, zerolog.Nop())

	w.Start(context.Background())
	require.Eventually(t, func() bool { return pub.count() >= 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, StateStopped, w.State())
}
