// Package segment implements the Segment Writer (spec.md §4.2): it consumes
// a stream's packets and produces finalized, Catalog-registered MP4 files,
// rotating to a new file on a keyframe-aligned boundary.
package segment

import "time"

// Policy is the segmentation trigger configuration for one stream.
type Policy struct {
	// MaxDuration rotates a segment once its wall-clock age reaches this
	// value. Zero disables the duration trigger.
	MaxDuration time.Duration
	// MaxBytes rotates a segment once its byte count reaches this value.
	// Zero disables the size trigger.
	MaxBytes int64
}

// DefaultMaxDuration is spec.md §4.2's default segment duration.
const DefaultMaxDuration = 60 * time.Second

// ShouldRotate reports whether the current segment should close once the
// next video packet is seen to be a keyframe (spec.md §4.2: rotation never
// happens mid-GOP). elapsed and bytesWritten describe the currently open
// segment; rotateRequested is an explicit request from the Stream Worker
// (e.g. a manual cut or config change).
func ShouldRotate(p Policy, elapsed time.Duration, bytesWritten int64, rotateRequested, nextIsKeyframe bool) bool {
	if !nextIsKeyframe {
		return false
	}
	if rotateRequested {
		return true
	}
	if p.MaxDuration > 0 && elapsed >= p.MaxDuration {
		return true
	}
	if p.MaxBytes > 0 && bytesWritten >= p.MaxBytes {
		return true
	}
	return false
}
