package segment

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nvrcore/nvrcore/internal/audio"
	"github.com/rs/zerolog"
)

// MuxPlan is the fully-resolved set of decisions (bitstream, audio,
// dimensions, fragmenting) the muxer backend needs to build its ffmpeg
// invocation for one segment.
type MuxPlan struct {
	OutputPath string
	Width      int
	Height     int
	AudioAction audio.Action
	AudioParams audio.TranscodeParams
	// Fragmented selects the teacher's live-fragmenting movflags
	// (+frag_keyframe+empty_moov+default_base_moof) in addition to
	// +faststart; false uses a plain faststart finalize, appropriate for
	// a segment that closes promptly rather than streaming indefinitely.
	Fragmented bool
}

// Muxer writes one segment's packets into a finalized container. Swappable
// so the decision logic above it (policy/audio plan) stays testable without
// spawning ffmpeg.
type Muxer interface {
	Open(plan MuxPlan) error
	WriteVideo(payload []byte) error
	WriteAudio(payload []byte) error
	// Close finalizes the container and waits for the backing process to
	// exit cleanly; Session.Close fsyncs the finished file afterwards.
	Close() error
	// Abort kills the backing process without finalizing; the caller is
	// responsible for removing the partial output file.
	Abort()
}

// ffmpegMuxer implements Muxer by piping raw elementary-stream bytes into
// an ffmpeg subprocess, mirroring the teacher's os/exec-driven recorder
// (internal/recording/recorder.go) but fed by packets instead of owning
// the RTSP connection itself.
type ffmpegMuxer struct {
	logger zerolog.Logger

	cmd       *exec.Cmd
	videoPipe io.WriteCloser
	audioPipe io.WriteCloser
	audioFile *os.File
	done      chan struct{}
}

// NewFFmpegMuxer creates a muxer backend that logs subprocess stderr
// through logger.
func NewFFmpegMuxer(logger zerolog.Logger) Muxer {
	return &ffmpegMuxer{logger: logger}
}

func sampleFmtToFFmpegFormat(fmtName string) string {
	switch fmtName {
	case "fltp":
		return "f32le"
	default:
		return "s16le"
	}
}

func buildMuxArgs(plan MuxPlan) []string {
	args := []string{"-hide_banner", "-loglevel", "warning", "-y"}

	args = append(args, "-f", "h264", "-i", "pipe:0")

	hasAudio := plan.AudioAction != audio.DisableAudio
	if hasAudio {
		switch plan.AudioAction {
		case audio.TranscodeToAAC:
			args = append(args,
				"-f", sampleFmtToFFmpegFormat(plan.AudioParams.SampleFmt),
				"-ar", strconv.Itoa(plan.AudioParams.SampleRate),
				"-ac", strconv.Itoa(plan.AudioParams.Channels),
				"-i", "pipe:3",
			)
		case audio.PassThrough:
			args = append(args, "-i", "pipe:3")
		}
	}

	args = append(args, "-map", "0:v:0")
	if hasAudio {
		args = append(args, "-map", "1:a:0")
	}

	width, height := plan.Width, plan.Height
	if width <= 0 || height <= 0 {
		width, height = 640, 480
	}
	args = append(args, "-video_size", fmt.Sprintf("%dx%d", width, height))

	args = append(args, "-c:v", "copy")
	switch plan.AudioAction {
	case audio.TranscodeToAAC:
		args = append(args,
			"-c:a", "aac",
			"-b:a", strconv.Itoa(plan.AudioParams.BitrateBPS),
			"-ac", strconv.Itoa(plan.AudioParams.Channels),
		)
	case audio.PassThrough:
		args = append(args, "-c:a", "copy")
	}

	movflags := "+faststart"
	if plan.Fragmented {
		movflags = "+frag_keyframe+empty_moov+default_base_moof+faststart"
	}
	args = append(args, "-movflags", movflags, "-f", "mp4", plan.OutputPath)

	return args
}

func (m *ffmpegMuxer) Open(plan MuxPlan) error {
	if err := EnsureDir(filepath.Dir(plan.OutputPath)); err != nil {
		return fmt.Errorf("segment: create output dir: %w", err)
	}

	args := buildMuxArgs(plan)
	cmd := exec.Command("ffmpeg", args...)

	videoPipe, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("segment: stdin pipe: %w", err)
	}

	var audioWriter io.WriteCloser
	var audioReadEnd *os.File
	if plan.AudioAction != audio.DisableAudio {
		r, w, perr := os.Pipe()
		if perr != nil {
			return fmt.Errorf("segment: audio pipe: %w", perr)
		}
		audioReadEnd = r
		audioWriter = w
		cmd.ExtraFiles = []*os.File{r}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("segment: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("segment: start ffmpeg: %w", err)
	}

	m.cmd = cmd
	m.videoPipe = videoPipe
	m.audioPipe = audioWriter
	m.audioFile = audioReadEnd
	m.done = make(chan struct{})

	go m.drainStderr(stderr)

	return nil
}

func (m *ffmpegMuxer) drainStderr(stderr io.ReadCloser) {
	defer close(m.done)
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(strings.ToLower(line), "error") {
			m.logger.Warn().Str("component", "segment.muxer").Str("line", line).Msg("ffmpeg stderr")
		}
	}
}

func (m *ffmpegMuxer) WriteVideo(payload []byte) error {
	_, err := m.videoPipe.Write(payload)
	return err
}

func (m *ffmpegMuxer) WriteAudio(payload []byte) error {
	if m.audioPipe == nil {
		return nil
	}
	_, err := m.audioPipe.Write(payload)
	return err
}

func (m *ffmpegMuxer) Close() error {
	if m.videoPipe != nil {
		_ = m.videoPipe.Close()
	}
	if m.audioPipe != nil {
		_ = m.audioPipe.Close()
	}
	if m.audioFile != nil {
		_ = m.audioFile.Close()
	}
	<-m.done
	return m.cmd.Wait()
}

func (m *ffmpegMuxer) Abort() {
	if m.cmd != nil && m.cmd.Process != nil {
		_ = m.cmd.Process.Kill()
	}
	if m.videoPipe != nil {
		_ = m.videoPipe.Close()
	}
	if m.audioPipe != nil {
		_ = m.audioPipe.Close()
	}
	if m.audioFile != nil {
		_ = m.audioFile.Close()
	}
	if m.done != nil {
		<-m.done
	}
	if m.cmd != nil {
		_ = m.cmd.Wait()
	}
}
