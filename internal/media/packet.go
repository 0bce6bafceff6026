// Package media defines the packet type handed from a Stream Worker
// (internal/worker) to the Segment Writer (internal/segment). It carries
// only what spec.md §4.2/§4.3 require the writer to decide on: codec,
// timing, keyframe/audio flags, and the raw payload.
package media

import "time"

// Packet is one demuxed elementary-stream unit: a single H.264 NAL-bearing
// video frame or a chunk of PCM/AAC/etc audio.
type Packet struct {
	Codec      string
	PTS        time.Duration
	DTS        time.Duration
	Payload    []byte
	IsKeyframe bool
	IsAudio    bool
}

// VideoDescriptor is the source video's static properties, known once the
// first keyframe arrives and unchanged for the life of the stream.
type VideoDescriptor struct {
	Codec  string
	Width  int
	Height int
	FPS    float64
}

// AudioDescriptor is the source audio's static properties, or the zero
// value if the stream carries no audio track.
type AudioDescriptor struct {
	Codec      string
	SampleRate int
	Channels   int
	FrameSize  int
}
