package segment

import (
	"strings"
	"testing"

	"github.com/nvrcore/nvrcore/internal/audio"
	"github.com/stretchr/testify/assert"
)

func TestBuildMuxArgsDisabledAudioOmitsSecondInput(t *testing.T) {
	args := buildMuxArgs(MuxPlan{OutputPath: "/tmp/out.mp4", Width: 1920, Height: 1080, AudioAction: audio.DisableAudio})
	joined := strings.Join(args, " ")
	assert.NotContains(t, joined, "pipe:3")
	assert.Contains(t, joined, "1920x1080")
	assert.Contains(t, joined, "+faststart")
}

func TestBuildMuxArgsTranscodeAddsAACEncoder(t *testing.T) {
	args := buildMuxArgs(MuxPlan{
		OutputPath:  "/tmp/out.mp4",
		AudioAction: audio.TranscodeToAAC,
		AudioParams: audio.NewTranscodeParams("pcm_mulaw", 8000, 1, 0),
	})
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "pipe:3")
	assert.Contains(t, joined, "-c:a aac")
	assert.Contains(t, joined, "-b:a 128000")
}

func TestBuildMuxArgsPassThroughCopiesAudio(t *testing.T) {
	args := buildMuxArgs(MuxPlan{OutputPath: "/tmp/out.mp4", AudioAction: audio.PassThrough})
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "pipe:3")
	assert.Contains(t, joined, "-c:a copy")
}

func TestBuildMuxArgsZeroDimensionsDefaultTo640x480(t *testing.T) {
	args := buildMuxArgs(MuxPlan{OutputPath: "/tmp/out.mp4", AudioAction: audio.DisableAudio})
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "640x480")
}

func TestBuildMuxArgsFragmentedAddsLiveFlags(t *testing.T) {
	args := buildMuxArgs(MuxPlan{OutputPath: "/tmp/out.mp4", AudioAction: audio.DisableAudio, Fragmented: true})
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "frag_keyframe")
	assert.Contains(t, joined, "+faststart")
}
