package segment

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nvrcore/nvrcore/internal/audio"
	"github.com/nvrcore/nvrcore/internal/bitstream"
	"github.com/nvrcore/nvrcore/internal/catalog"
	"github.com/nvrcore/nvrcore/internal/media"
	"github.com/rs/zerolog"
)

// Descriptor is the stream's static properties as known at the moment the
// first video keyframe arrives (spec.md §4.2 initialization).
type Descriptor struct {
	Video media.VideoDescriptor
	Audio media.AudioDescriptor
}

// PostProcessor runs optional, best-effort work against a finished
// segment file (checksum/thumbnail sidecars). Process must not block the
// caller for long; internal/postprocess.Processor runs its own work in
// whatever goroutine Process is called from, so Session invokes it in a
// dedicated goroutine rather than inline with Close.
type PostProcessor interface {
	Process(ctx context.Context, stream, path string)
}

// Session owns exactly one open recording: the muxer subprocess, the
// catalog row it registered on open, and the byte/time counters the
// rotation policy reads.
type Session struct {
	stream   string
	trigger  catalog.TriggerType
	root     string
	store    *catalog.Store
	registry *audio.Registry
	muxer    Muxer
	post     PostProcessor
	logger   zerolog.Logger

	mu           sync.Mutex
	recordingID  int64
	path         string
	startWall    time.Time
	bytesWritten int64
	audioAction  audio.Action
	audioHandle  *audio.TranscoderHandle
}

// NewSession prepares (but does not open) a session for stream. post may
// be nil to skip checksum/thumbnail post-processing entirely.
func NewSession(root, stream string, trigger catalog.TriggerType, store *catalog.Store, registry *audio.Registry, muxer Muxer, post PostProcessor, logger zerolog.Logger) *Session {
	return &Session{
		stream:   stream,
		trigger:  trigger,
		root:     root,
		store:    store,
		registry: registry,
		muxer:    muxer,
		post:     post,
		logger:   logger.With().Str("component", "segment.session").Str("stream", stream).Logger(),
	}
}

// Open registers the catalog row (is_complete=false) and starts the muxer.
// desc.Video.Width/Height of zero are substituted with 640x480 per
// spec.md §4.2.
func (s *Session) Open(ctx context.Context, desc Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	width, height := desc.Video.Width, desc.Video.Height
	if width <= 0 || height <= 0 {
		width, height = 640, 480
	}

	start := time.Now().UTC()
	path := OutputPath(s.root, s.stream, start, string(s.trigger))

	s.audioAction = audio.Plan(desc.Audio.Codec)
	var params audio.TranscodeParams
	if s.audioAction == audio.TranscodeToAAC {
		params = audio.NewTranscodeParams(desc.Audio.Codec, desc.Audio.SampleRate, desc.Audio.Channels, desc.Audio.FrameSize)
		if s.registry != nil {
			s.audioHandle = s.registry.GetOrCreate(s.stream, params)
			s.audioHandle.Open()
		}
	}

	rec := &catalog.Recording{
		StreamName:  s.stream,
		FilePath:    path,
		StartTime:   start,
		Width:       width,
		Height:      height,
		FPS:         desc.Video.FPS,
		Codec:       desc.Video.Codec,
		IsComplete:  false,
		TriggerType: s.trigger,
	}
	id, err := s.store.AddRecording(ctx, rec)
	if err != nil || id == 0 {
		return fmt.Errorf("segment: register recording row: %w", err)
	}

	plan := MuxPlan{
		OutputPath:  path,
		Width:       width,
		Height:      height,
		AudioAction: s.audioAction,
		AudioParams: params,
	}
	if err := s.muxer.Open(plan); err != nil {
		_ = s.store.DeleteRecording(ctx, id)
		return fmt.Errorf("segment: open muxer: %w", err)
	}

	s.recordingID = id
	s.path = path
	s.startWall = start
	s.bytesWritten = 0

	s.logger.Info().Int64("recording_id", id).Str("path", path).Msg("segment opened")
	return nil
}

// WritePacket fixes up and forwards one packet to the muxer, tracking byte
// count for the rotation policy. Audio packets are dropped when the
// session's audio decision is DisableAudio.
func (s *Session) WritePacket(pkt media.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pkt.IsAudio {
		if s.audioAction == audio.DisableAudio {
			return nil
		}
		return s.muxer.WriteAudio(pkt.Payload)
	}

	// ToAnnexB is a no-op for already-Annex-B input, so this call is safe
	// to make unconditionally per packet.
	payload := bitstream.ToAnnexB(pkt.Payload)
	if err := s.muxer.WriteVideo(payload); err != nil {
		return err
	}
	s.bytesWritten += int64(len(payload))
	return nil
}

// Elapsed reports how long the current segment has been open.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startWall.IsZero() {
		return 0
	}
	return time.Since(s.startWall)
}

// BytesWritten reports the current segment's video byte count.
func (s *Session) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesWritten
}

// Close finalizes the muxer, fsyncs the file and marks the catalog row
// complete. A muxer finalize error triggers the same cleanup as Abort
// (spec.md §4.2: on write error the partial file and catalog row are both
// deleted); a failed row update is returned without deleting anything.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.muxer.Close(); err != nil {
		s.cleanupLocked(ctx)
		return fmt.Errorf("segment: finalize muxer: %w", err)
	}

	// Flush the finalized file to stable storage before the row is marked
	// complete.
	if f, err := os.Open(s.path); err == nil {
		_ = f.Sync()
		_ = f.Close()
	}

	info, err := os.Stat(s.path)
	var size int64
	if err == nil {
		size = info.Size()
	}

	if err := s.store.UpdateRecording(ctx, s.recordingID, time.Now().UTC(), size, true); err != nil {
		return fmt.Errorf("segment: finalize recording row: %w", err)
	}

	if s.audioHandle != nil {
		s.audioHandle.Close()
	}

	s.logger.Info().Int64("recording_id", s.recordingID).Int64("size_bytes", size).Msg("segment closed")

	if s.post != nil {
		go s.post.Process(context.Background(), s.stream, s.path)
	}

	return nil
}

// Abort kills the muxer and deletes the partial file and catalog row.
func (s *Session) Abort(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked(ctx)
}

func (s *Session) cleanupLocked(ctx context.Context) {
	s.muxer.Abort()
	_ = os.Remove(s.path)
	if s.recordingID != 0 {
		_ = s.store.DeleteRecording(ctx, s.recordingID)
	}
	if s.audioHandle != nil {
		s.audioHandle.Close()
	}
	s.logger.Warn().Int64("recording_id", s.recordingID).Str("path", s.path).Msg("segment aborted")
}

// RecordingID returns the catalog row id assigned at Open.
func (s *Session) RecordingID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordingID
}
