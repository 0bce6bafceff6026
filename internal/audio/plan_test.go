package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanPassThroughCodecs(t *testing.T) {
	for _, codec := range []string{"aac", "AAC", "mp3", "ac3", "opus"} {
		assert.Equal(t, PassThrough, Plan(codec), codec)
	}
}

func TestPlanTranscodesPCMVariants(t *testing.T) {
	for _, codec := range []string{"pcm_mulaw", "pcm_s16le", "pcm_s24be", "pcm_f32le", "alaw"} {
		assert.Equal(t, TranscodeToAAC, Plan(codec), codec)
	}
}

func TestPlanDisablesUnknownCodec(t *testing.T) {
	assert.Equal(t, DisableAudio, Plan("vorbis"))
	assert.Equal(t, DisableAudio, Plan(""))
}

func TestNewTranscodeParamsDefaultsChannelsToStereo(t *testing.T) {
	p := NewTranscodeParams("pcm_mulaw", 8000, 0, 0)
	assert.Equal(t, 2, p.Channels)
	assert.Equal(t, 8000, p.SampleRate)
	assert.Equal(t, 128_000, p.BitrateBPS)
	assert.Equal(t, 1024, p.FrameSize)
	assert.Equal(t, "fltp", p.SampleFmt)
}

func TestNewTranscodeParamsOpusFrameSizeDefault(t *testing.T) {
	p := NewTranscodeParams("opus", 48000, 2, 0)
	assert.Equal(t, 960, p.FrameSize)
}

func TestNewTranscodeParamsKeepsReportedFrameSize(t *testing.T) {
	p := NewTranscodeParams("pcm_s16le", 44100, 2, 512)
	assert.Equal(t, 512, p.FrameSize)
}

func TestRegistryGetOrCreateIsIdempotent(t *testing.T) {
	r := NewRegistry()
	h1 := r.GetOrCreate("cam-1", TranscodeParams{SampleRate: 8000})
	h2 := r.GetOrCreate("cam-1", TranscodeParams{SampleRate: 16000})
	assert.Same(t, h1, h2)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	h := r.GetOrCreate("cam-1", TranscodeParams{})
	h.Open()
	assert.True(t, h.IsOpen())

	r.Remove("cam-1")
	assert.Equal(t, 0, r.Len())
	assert.False(t, h.IsOpen())
}
