package worker

import "time"

// Heartbeat is the periodic status a worker reports (spec.md §4.3),
// published over internal/eventbus on subject "worker.<stream>.heartbeat"
// (grounded on teacher RecorderStatus plus internal/api/websocket.go's
// broadcast pattern).
type Heartbeat struct {
	Stream       string    `json:"stream"`
	State        string    `json:"state"`
	LastPTS      int64     `json:"last_pts_ns"`
	BytesWritten int64     `json:"bytes_written"`
	At           time.Time `json:"at"`
	Error        string    `json:"error,omitempty"`
}

// HeartbeatPublisher sends a worker's heartbeat onward (an
// internal/eventbus.Bus in production, a recording channel in tests).
type HeartbeatPublisher interface {
	PublishHeartbeat(hb Heartbeat)
}
