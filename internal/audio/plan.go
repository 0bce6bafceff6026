// Package audio implements the Segment Writer's audio handling decisions:
// which codecs pass through untouched, which get transcoded to AAC, and
// which disable audio for the session (spec.md §4.2). Deciding what to do
// is a pure function; actually standing up a transcoder is the caller's
// job (internal/segment's muxer backend), mirroring how
// internal/bitstream separates decision from execution.
package audio

import "strings"

// Action is what the Segment Writer should do with a session's audio track.
type Action int

const (
	// PassThrough copies the audio stream into the MP4 unmodified.
	PassThrough Action = iota
	// TranscodeToAAC decodes PCM and re-encodes to AAC.
	TranscodeToAAC
	// DisableAudio drops the audio track; the recording proceeds video-only.
	DisableAudio
)

func (a Action) String() string {
	switch a {
	case PassThrough:
		return "pass_through"
	case TranscodeToAAC:
		return "transcode_to_aac"
	case DisableAudio:
		return "disable_audio"
	default:
		return "unknown"
	}
}

// mp4NativeCodecs are accepted by the MP4 container without transcoding.
var mp4NativeCodecs = map[string]bool{
	"aac": true, "mp3": true, "ac3": true, "opus": true,
}

// pcmCodecs are the PCM variants spec.md §4.2 requires transcoding for.
var pcmCodecs = map[string]bool{
	"pcm_mulaw": true, "mulaw": true, "ulaw": true,
	"pcm_alaw": true, "alaw": true,
	"pcm_s16le": true, "pcm_s16be": true, "s16le": true, "s16be": true,
	"pcm_s24le": true, "pcm_s24be": true, "s24le": true, "s24be": true,
	"pcm_s32le": true, "pcm_s32be": true, "s32le": true, "s32be": true,
	"pcm_f32le": true, "pcm_f32be": true, "f32le": true, "f32be": true,
}

// Plan returns the action for a source audio codec tag (case-insensitive).
// Any codec that is neither MP4-native nor a recognized PCM variant disables
// audio for the session rather than failing the recording.
func Plan(codec string) Action {
	c := strings.ToLower(strings.TrimSpace(codec))
	switch {
	case mp4NativeCodecs[c]:
		return PassThrough
	case pcmCodecs[c]:
		return TranscodeToAAC
	default:
		return DisableAudio
	}
}

// TranscodeParams are the AAC encoder parameters for a TranscodeToAAC
// decision (spec.md §4.2): float-planar, source sample-rate, 128 kbps,
// channel layout copied from source or defaulted to stereo.
type TranscodeParams struct {
	SampleRate int
	Channels   int
	BitrateBPS int
	FrameSize  int
	SampleFmt  string
}

const defaultBitrateBPS = 128_000

// NewTranscodeParams builds the encoder parameters for transcoding source
// audio (sampleRate, channels as reported by the upstream descriptor) to
// AAC. channels==0 (layout unknown) defaults to stereo. frameSize==0
// (upstream reports no frame size) fills the standard AAC default of 1024,
// or 960 if the source codec was Opus — avoiding the "codec frame size not
// set" mux failure spec.md calls out.
func NewTranscodeParams(sourceCodec string, sampleRate, channels, frameSize int) TranscodeParams {
	if channels <= 0 {
		channels = 2
	}
	if frameSize <= 0 {
		frameSize = 1024
		if strings.EqualFold(sourceCodec, "opus") {
			frameSize = 960
		}
	}
	return TranscodeParams{
		SampleRate: sampleRate,
		Channels:   channels,
		BitrateBPS: defaultBitrateBPS,
		FrameSize:  frameSize,
		SampleFmt:  "fltp",
	}
}
