package eventbus

import "github.com/nvrcore/nvrcore/internal/worker"

// HeartbeatPublisher adapts Bus to worker.HeartbeatPublisher, publishing
// each heartbeat to its per-stream subject (spec.md §4.3/§6).
type HeartbeatPublisher struct {
	bus *Bus
}

// NewHeartbeatPublisher wraps bus as a worker.HeartbeatPublisher.
func NewHeartbeatPublisher(bus *Bus) *HeartbeatPublisher {
	return &HeartbeatPublisher{bus: bus}
}

func (p *HeartbeatPublisher) PublishHeartbeat(hb worker.Heartbeat) {
	if err := p.bus.Publish(HeartbeatSubject(hb.Stream), hb); err != nil {
		p.bus.logger.Warn().Err(err).Str("stream", hb.Stream).Msg("failed to publish heartbeat")
	}
}

var _ worker.HeartbeatPublisher = (*HeartbeatPublisher)(nil)
