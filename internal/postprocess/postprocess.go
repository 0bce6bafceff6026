// Package postprocess implements the Segment Writer's optional
// post-close hooks: a SHA-256 checksum sidecar and a JPEG thumbnail,
// kept from the teacher's DefaultSegmentHandler.CalculateChecksum /
// GenerateThumbnailAuto (internal/recording/segment.go) as fair-game extra
// functionality not required by any spec.md invariant. Neither field is
// part of the catalog.Recording entity, so both are written as sidecar
// files next to (or under a parallel thumbnail tree from) the segment
// rather than as catalog columns.
package postprocess

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Processor runs best-effort post-close work for a finished segment.
// Process never returns an error to its caller: a failed checksum or
// thumbnail must not affect the recording's is_complete status, so
// failures are logged and swallowed (grounded on the teacher's Manager
// treating thumbnail generation as advisory, not transactional).
type Processor struct {
	thumbnailRoot string
	logger        zerolog.Logger
}

// New creates a Processor. thumbnailRoot is the directory thumbnails are
// written under, mirroring the segment's <stream>/<date> subpath.
func New(thumbnailRoot string, logger zerolog.Logger) *Processor {
	return &Processor{
		thumbnailRoot: thumbnailRoot,
		logger:        logger.With().Str("component", "postprocess").Logger(),
	}
}

// Process computes a checksum sidecar and a mid-point thumbnail for the
// segment at path, run from the Segment Writer after a successful Close.
// Intended to be invoked in its own goroutine; it blocks on two ffmpeg
// invocations (ffprobe for duration, ffmpeg for the frame extract) plus a
// full-file SHA-256, so callers should not do this inline with rotation.
func (p *Processor) Process(ctx context.Context, stream, path string) {
	if sum, err := p.checksum(path); err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("checksum failed")
	} else if err := os.WriteFile(path+".sha256", []byte(sum+"\n"), 0644); err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("write checksum sidecar failed")
	}

	thumbPath, err := p.thumbnail(ctx, stream, path)
	if err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("thumbnail generation failed")
		return
	}
	p.logger.Debug().Str("path", path).Str("thumbnail", thumbPath).Msg("post-processing complete")
}

func (p *Processor) checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// thumbnail extracts a single frame from the middle of the segment,
// probing duration with ffprobe first so the offset lands inside a
// variable-length (possibly short, final) segment.
func (p *Processor) thumbnail(ctx context.Context, stream, path string) (string, error) {
	duration, err := p.probeDuration(ctx, path)
	if err != nil {
		return "", fmt.Errorf("postprocess: probe duration: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	dayDir := filepath.Dir(path)
	monthDir := filepath.Dir(dayDir)
	dateDir := filepath.Join(filepath.Base(filepath.Dir(monthDir)), filepath.Base(monthDir), filepath.Base(dayDir))
	thumbDir := filepath.Join(p.thumbnailRoot, stream, dateDir)
	if err := os.MkdirAll(thumbDir, 0755); err != nil {
		return "", fmt.Errorf("postprocess: create thumbnail dir: %w", err)
	}
	thumbPath := filepath.Join(thumbDir, base+".jpg")

	args := []string{
		"-y", "-ss", fmt.Sprintf("%.2f", duration/2),
		"-i", path,
		"-vframes", "1", "-q:v", "2",
		thumbPath,
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("postprocess: ffmpeg extract frame: %s: %w", string(output), err)
	}
	return thumbPath, nil
}

func (p *Processor) probeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	var d float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%f", &d); err != nil || d <= 0 {
		return 2.0, nil // fall back to a fixed 2s offset for a short/unparseable segment
	}
	return d, nil
}
