// Package bitstream implements the H.264 packet fixups the Segment Writer
// applies before handing a packet to the muxer (spec.md §4.2). These are
// pure functions over byte slices — no subprocess, no cgo — so the literal
// decision rules are unit-testable without ffmpeg, unlike the teacher which
// offloads all muxing (and any bitstream awareness) to an `ffmpeg -c copy`
// subprocess.
package bitstream

import "bytes"

// annexBStartCode is the 4-byte Annex-B NAL start code.
var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// NeedsAnnexBFixup reports whether payload is length-prefixed (AVCC/mp4)
// H.264 rather than already-Annex-B. A packet beginning with the start
// code is passed through untouched (spec.md §4.2 detection rule).
func NeedsAnnexBFixup(payload []byte) bool {
	if len(payload) < 4 {
		return false
	}
	return !bytes.Equal(payload[:4], annexBStartCode)
}

// ToAnnexB rewraps a length-prefixed H.264 packet into Annex-B form: prepend
// the 4-byte start code and strip the leading in-band extradata length field
// spec.md §4.2 describes as present on length-prefixed NAL units. Packets
// that already carry a start code pass through unchanged.
func ToAnnexB(payload []byte) []byte {
	if !NeedsAnnexBFixup(payload) {
		return payload
	}

	// AVCC encodes each NAL unit with a 4-byte big-endian length prefix in
	// place of a start code; strip it and prepend Annex-B's fixed marker.
	// A payload too short to carry that length field is passed through
	// untouched rather than corrupted.
	if len(payload) < 4 {
		return payload
	}

	out := make([]byte, 0, len(payload)+4)
	out = append(out, annexBStartCode...)
	out = append(out, payload[4:]...)
	return out
}
