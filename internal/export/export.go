// Package export implements the Export Engine (C6): stream-copy
// concatenation of a time range of recordings into a single playable file.
// Grounded directly on the teacher's Service.ExportSegments +
// DefaultSegmentHandler.MergeSegments (internal/recording/segment.go),
// generalized from "merge whole segments with the concat demuxer" to the
// spec's "trim the first and last segment to the requested window,
// concat-copy the interior ones".
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/nvrcore/nvrcore/internal/catalog"
	"github.com/nvrcore/nvrcore/internal/video"
)

// ErrNoRecordings is returned when no complete recordings intersect the
// requested window.
var ErrNoRecordings = errors.New("export: no recordings in range")

// ErrCodecMismatch is returned when the segments spanning the window were
// recorded with different codecs and there are too many to re-encode
// (see Exporter.ReencodeThreshold).
var ErrCodecMismatch = errors.New("export: codec mismatch across segments, too many to re-encode")

// Exporter runs export jobs. ReencodeThreshold bounds how many segments
// the engine will re-encode (rather than stream-copy) when it finds a
// codec mismatch across the window; spec.md leaves the choice between
// re-encoding and refusing to the implementer — above the threshold we
// refuse with ErrCodecMismatch rather than pay an unbounded re-encode cost
// (documented as an Open Question resolution in DESIGN.md).
type Exporter struct {
	store             *catalog.Store
	logger            zerolog.Logger
	hwaccel           *video.Detector
	ReencodeThreshold int
}

// New creates an Exporter. The hwaccel detector is used only by the
// re-encode fallback path, to decode the source segments faster before
// the mandatory software H.264 encode; stream-copy exports never touch
// it since no decode/encode takes place.
func New(store *catalog.Store, logger zerolog.Logger, hwaccel *video.Detector) *Exporter {
	return &Exporter{
		store:             store,
		logger:            logger.With().Str("component", "export").Logger(),
		hwaccel:           hwaccel,
		ReencodeThreshold: 4,
	}
}

// Export writes a single file covering [start, end) for stream to
// destPath, stream-copying whichever segments it can and trimming the
// first/last segment to the exact window (spec.md §4.6).
func (e *Exporter) Export(ctx context.Context, stream string, start, end time.Time, destPath string) error {
	// List's time bounds select only recordings wholly inside a range, so
	// fetch the stream's complete recordings in ascending start order and
	// keep every one whose interval overlaps [start, end).
	all, _, err := e.store.List(ctx, catalog.ListFilter{
		StreamName: stream,
		OrderBy:    "start_time",
		Limit:      1 << 30,
	})
	if err != nil {
		return fmt.Errorf("export: list recordings: %w", err)
	}
	var recs []catalog.Recording
	for _, rec := range all {
		if rec.EndTime != nil && rec.EndTime.After(start) && rec.StartTime.Before(end) {
			recs = append(recs, rec)
		}
	}
	if len(recs) == 0 {
		return ErrNoRecordings
	}

	if mixedCodecs(recs) {
		if len(recs) > e.ReencodeThreshold {
			return ErrCodecMismatch
		}
		return e.exportReencode(ctx, recs, start, end, destPath)
	}

	return e.exportStreamCopy(ctx, recs, start, end, destPath)
}

func mixedCodecs(recs []catalog.Recording) bool {
	codec := recs[0].Codec
	for _, r := range recs[1:] {
		if r.Codec != codec {
			return true
		}
	}
	return false
}

// exportStreamCopy trims the first and last segment with ffmpeg -ss/-to
// stream-copy re-mux (the teacher's thumbnail-extraction -ss pattern,
// generalized to a full segment trim instead of a single frame), then
// concatenates the trimmed boundary segments with the interior ones via
// the concat demuxer, unchanged from the teacher's MergeSegments.
func (e *Exporter) exportStreamCopy(ctx context.Context, recs []catalog.Recording, start, end time.Time, destPath string) error {
	workDir, err := os.MkdirTemp(filepath.Dir(destPath), "export-*")
	if err != nil {
		return fmt.Errorf("export: create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	paths := make([]string, len(recs))
	for i, rec := range recs {
		switch {
		case i == 0 && i == len(recs)-1:
			trimmed := filepath.Join(workDir, "0.mp4")
			if err := e.trimSegment(ctx, rec.FilePath, rec.StartTime, trimmed, &start, &end); err != nil {
				return err
			}
			paths[i] = trimmed
		case i == 0:
			trimmed := filepath.Join(workDir, "0.mp4")
			if err := e.trimSegment(ctx, rec.FilePath, rec.StartTime, trimmed, &start, nil); err != nil {
				return err
			}
			paths[i] = trimmed
		case i == len(recs)-1:
			trimmed := filepath.Join(workDir, fmt.Sprintf("%d.mp4", i))
			if err := e.trimSegment(ctx, rec.FilePath, rec.StartTime, trimmed, nil, &end); err != nil {
				return err
			}
			paths[i] = trimmed
		default:
			paths[i] = rec.FilePath
		}
	}

	return e.concatCopy(ctx, paths, destPath)
}

// trimSegment re-muxes src into dst, stream-copying and clipping to
// [from, to) where either bound may be nil (no clip on that side). ffmpeg's
// -ss/-to are offsets relative to the start of the input being opened, not
// absolute wall-clock time, so from/to (absolute recording-window bounds)
// are first converted to offsets from segStart, src's own recording start
// time.
func (e *Exporter) trimSegment(ctx context.Context, src string, segStart time.Time, dst string, from, to *time.Time) error {
	args := []string{"-y"}
	if from != nil {
		args = append(args, "-ss", formatOffset(from.Sub(segStart)))
	}
	args = append(args, "-i", src)
	if to != nil {
		args = append(args, "-to", formatOffset(to.Sub(segStart)))
	}
	args = append(args, "-c", "copy", dst)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("export: trim %s: %s: %w", src, string(output), err)
	}
	return nil
}

// formatOffset renders d as ffmpeg's "HH:MM:SS.mmm" -ss/-to offset syntax,
// clamping negative durations to zero (a requested bound earlier than the
// segment/timeline start means "don't clip this side").
func formatOffset(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3600000
	m := (ms / 60000) % 60
	s := (ms / 1000) % 60
	frac := ms % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, frac)
}

// concatCopy joins paths via the ffmpeg concat demuxer, stream-copying,
// and writes the result to destPath atomically via renameio (teacher's
// MergeSegments writes straight to destPath with no fsync+rename step —
// this is a genuine upgrade per spec.md's "write atomically").
func (e *Exporter) concatCopy(ctx context.Context, paths []string, destPath string) error {
	concatFile, err := os.CreateTemp("", "nvrcore-export-concat-*.txt")
	if err != nil {
		return fmt.Errorf("export: create concat list: %w", err)
	}
	defer os.Remove(concatFile.Name())

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			concatFile.Close()
			return fmt.Errorf("export: resolve path %s: %w", p, err)
		}
		if _, err := fmt.Fprintf(concatFile, "file '%s'\n", abs); err != nil {
			concatFile.Close()
			return err
		}
	}
	if err := concatFile.Close(); err != nil {
		return err
	}

	pf, err := renameio.NewPendingFile(destPath)
	if err != nil {
		return fmt.Errorf("export: open pending output: %w", err)
	}
	defer pf.Cleanup()

	args := []string{"-y", "-f", "concat", "-safe", "0", "-i", concatFile.Name(), "-c", "copy", pf.Name()}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("export: concat: %s: %w", string(output), err)
	}

	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("export: finalize output: %w", err)
	}
	return nil
}

// exportReencode re-encodes the full window (H.264 baseline, AAC 128kbps)
// in a single ffmpeg pass when segments have mixed codecs and the count is
// at or below ReencodeThreshold.
func (e *Exporter) exportReencode(ctx context.Context, recs []catalog.Recording, start, end time.Time, destPath string) error {
	concatFile, err := os.CreateTemp("", "nvrcore-export-reencode-*.txt")
	if err != nil {
		return fmt.Errorf("export: create concat list: %w", err)
	}
	defer os.Remove(concatFile.Name())

	for _, rec := range recs {
		abs, err := filepath.Abs(rec.FilePath)
		if err != nil {
			concatFile.Close()
			return fmt.Errorf("export: resolve path %s: %w", rec.FilePath, err)
		}
		if _, err := fmt.Fprintf(concatFile, "file '%s'\n", abs); err != nil {
			concatFile.Close()
			return err
		}
	}
	if err := concatFile.Close(); err != nil {
		return err
	}

	pf, err := renameio.NewPendingFile(destPath)
	if err != nil {
		return fmt.Errorf("export: open pending output: %w", err)
	}
	defer pf.Cleanup()

	args := []string{"-y"}
	if e.hwaccel != nil {
		args = append(args, e.hwaccel.DecodeArgs(ctx)...)
	}
	// -ss/-to here apply to the concat demuxer's single combined input,
	// whose own timeline starts at recs[0].StartTime, not at start/end's
	// absolute wall-clock value.
	timelineStart := recs[0].StartTime
	args = append(args,
		"-f", "concat", "-safe", "0", "-i", concatFile.Name(),
		"-ss", formatOffset(start.Sub(timelineStart)),
		"-to", formatOffset(end.Sub(timelineStart)),
		"-c:v", "libx264", "-profile:v", "baseline",
		"-c:a", "aac", "-b:a", "128k",
		"-movflags", "+faststart",
		pf.Name(),
	)
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("export: re-encode: %s: %w", string(output), err)
	}

	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("export: finalize output: %w", err)
	}
	return nil
}
