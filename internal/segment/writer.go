package segment

import (
	"context"
	"fmt"
	"sync"

	"github.com/nvrcore/nvrcore/internal/audio"
	"github.com/nvrcore/nvrcore/internal/catalog"
	"github.com/nvrcore/nvrcore/internal/media"
	"github.com/rs/zerolog"
)

// MuxerFactory builds a fresh Muxer for each new segment (ffmpeg
// subprocesses are not reusable across files).
type MuxerFactory func() Muxer

// Writer is the Segment Writer component (C2): it owns the rotation of
// Sessions across a stream's lifetime, deferring the first Open until a
// video keyframe arrives (spec.md §4.2) and opening a replacement Session
// whenever the Policy fires on a keyframe boundary.
type Writer struct {
	root     string
	stream   string
	policy   Policy
	store    *catalog.Store
	registry *audio.Registry
	newMuxer MuxerFactory
	post     PostProcessor
	logger   zerolog.Logger

	mu      sync.Mutex
	current *Session
	rotate  bool
	trigger catalog.TriggerType
}

// NewWriter creates a Segment Writer for one stream. post may be nil to
// skip checksum/thumbnail post-processing for every segment this writer
// produces.
func NewWriter(root, stream string, policy Policy, store *catalog.Store, registry *audio.Registry, newMuxer MuxerFactory, post PostProcessor, logger zerolog.Logger) *Writer {
	return &Writer{
		root:     root,
		stream:   stream,
		policy:   policy,
		store:    store,
		registry: registry,
		newMuxer: newMuxer,
		post:     post,
		trigger:  catalog.TriggerScheduled,
		logger:   logger.With().Str("component", "segment.writer").Str("stream", stream).Logger(),
	}
}

// RequestRotate asks the writer to close the current segment as soon as
// the next video keyframe arrives (a manual cut or config-driven rotate).
func (w *Writer) RequestRotate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotate = true
}

// SetTrigger changes the trigger_type recorded for segments opened from
// this point on (e.g. switching from "scheduled" to "detection").
func (w *Writer) SetTrigger(t catalog.TriggerType) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trigger = t
}

// WritePacket feeds one packet into the writer. For video packets it
// evaluates the rotation policy before writing: on a keyframe that should
// rotate, the current segment is closed and a new one opened using pkt's
// descriptor before the packet itself is written into the new segment.
// desc is consulted only when a new Session must be opened (first packet,
// or the packet immediately following a rotation).
func (w *Writer) WritePacket(ctx context.Context, pkt media.Packet, desc Descriptor) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		if pkt.IsAudio || !pkt.IsKeyframe {
			// Initialization is deferred until the first video keyframe
			// (spec.md §4.2); drop packets that arrive before it.
			return nil
		}
		if err := w.openLocked(ctx, desc); err != nil {
			return err
		}
	} else if !pkt.IsAudio && pkt.IsKeyframe {
		elapsed := w.current.Elapsed()
		bytes := w.current.BytesWritten()
		if ShouldRotate(w.policy, elapsed, bytes, w.rotate, true) {
			if err := w.current.Close(ctx); err != nil {
				w.logger.Error().Err(err).Msg("segment close failed during rotation")
			}
			w.rotate = false
			if err := w.openLocked(ctx, desc); err != nil {
				return err
			}
		}
	}

	if err := w.current.WritePacket(pkt); err != nil {
		// Drop the partial file and its row; the next keyframe opens a
		// fresh segment.
		w.current.Abort(ctx)
		w.current = nil
		return err
	}
	return nil
}

func (w *Writer) openLocked(ctx context.Context, desc Descriptor) error {
	s := NewSession(w.root, w.stream, w.trigger, w.store, w.registry, w.newMuxer(), w.post, w.logger)
	if err := s.Open(ctx, desc); err != nil {
		return fmt.Errorf("segment: writer open: %w", err)
	}
	w.current = s
	return nil
}

// Close finalizes any open segment. Safe to call when nothing is open.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	err := w.current.Close(ctx)
	w.current = nil
	return err
}
