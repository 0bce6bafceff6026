// Package rtsp implements worker.Source against a real RTSP camera by
// shelling out to ffmpeg/ffprobe, the same os/exec-driven approach the
// teacher's Recorder uses end-to-end (internal/recording/recorder.go's
// buildFFmpegArgs/runFFmpeg) and internal/segment/ffmpeg_muxer.go uses for
// the write side. Where the teacher has ffmpeg both demux the RTSP session
// and mux the output segment in one process, this package only demuxes:
// ffmpeg decodes the RTSP session and re-wraps its video track as a raw
// Annex-B elementary stream and its audio track as raw PCM, written to
// stdout and an extra pipe respectively; this package's job is turning
// those two byte streams back into discrete media.Packet values for the
// Stream Worker to hand to the Segment Writer.
package rtsp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nvrcore/nvrcore/internal/media"
	"github.com/nvrcore/nvrcore/internal/segment"
)

// Config tunes a Source's connection to one camera.
type Config struct {
	Stream         string
	URL            string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// Source implements worker.Source by demuxing an RTSP session through
// ffmpeg. Connect probes the stream with ffprobe to learn its static
// properties (spec.md §4.3's "opens the RTSP source"), then starts the
// long-running ffmpeg demux process; ReadPacket drains whichever of the
// video/audio pipes has data next.
type Source struct {
	cfg    Config
	logger zerolog.Logger

	cmd       *exec.Cmd
	videoR    *bufio.Reader
	audioFile *os.File
	audioR    *bufio.Reader

	desc segment.Descriptor

	pktCh chan media.Packet
	errCh chan error
	done  chan struct{}
}

// New creates a Source for one camera stream.
func New(cfg Config, logger zerolog.Logger) *Source {
	return &Source{
		cfg:    cfg,
		logger: logger.With().Str("component", "rtsp").Str("stream", cfg.Stream).Logger(),
	}
}

// streamURL injects basic-auth credentials into an rtsp:// URL when the
// camera config carries them separately and the URL doesn't already embed
// them, mirroring the teacher's Recorder.buildStreamURL.
func (c Config) streamURL() string {
	if c.Username == "" || c.Password == "" || strings.Contains(c.URL, "@") {
		return c.URL
	}
	const prefix = "rtsp://"
	if !strings.HasPrefix(c.URL, prefix) {
		return c.URL
	}
	return fmt.Sprintf("%s%s:%s@%s", prefix, c.Username, c.Password, strings.TrimPrefix(c.URL, prefix))
}

// Connect probes the source with ffprobe, then starts the ffmpeg demux
// process. ctx's deadline bounds the probe (spec.md §4.3's 10s connect
// budget); the demux process is not tied to ctx and runs until Close.
func (s *Source) Connect(ctx context.Context) error {
	desc, err := probe(ctx, s.cfg.streamURL())
	if err != nil {
		return fmt.Errorf("rtsp probe %s: %w", s.cfg.Stream, err)
	}
	s.desc = desc

	args := []string{"-hide_banner", "-loglevel", "warning",
		"-rtsp_transport", "tcp", "-stimeout", "5000000",
		"-fflags", "+genpts+discardcorrupt", "-avoid_negative_ts", "make_zero",
		"-i", s.cfg.streamURL(),
		"-map", "0:v:0", "-c:v", "copy", "-bsf:v", "h264_mp4toannexb", "-f", "h264", "pipe:1",
	}

	hasAudio := desc.Audio.Codec != ""
	var audioReadFile *os.File
	if hasAudio {
		var audioWriteFile *os.File
		audioReadFile, audioWriteFile, err = os.Pipe()
		if err != nil {
			return fmt.Errorf("rtsp audio pipe: %w", err)
		}
		args = append(args,
			"-map", "0:a:0", "-c:a", "pcm_s16le", "-f", "s16le", "pipe:3",
		)
		cmd := exec.Command("ffmpeg", args...)
		cmd.ExtraFiles = []*os.File{audioWriteFile}
		s.cmd = cmd
		defer audioWriteFile.Close()
	} else {
		s.cmd = exec.Command("ffmpeg", args...)
	}

	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("rtsp stdout pipe: %w", err)
	}
	stderr, err := s.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("rtsp stderr pipe: %w", err)
	}

	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("rtsp start ffmpeg: %w", err)
	}

	s.videoR = bufio.NewReaderSize(stdout, 256*1024)
	s.audioFile = audioReadFile
	if s.audioFile != nil {
		s.audioR = bufio.NewReaderSize(s.audioFile, 64*1024)
	}

	s.pktCh = make(chan media.Packet, 64)
	s.errCh = make(chan error, 2)
	s.done = make(chan struct{})

	go s.drainStderr(stderr)
	go s.readVideo()
	if hasAudio {
		go s.readAudio()
	}

	s.logger.Info().Str("url", sanitizeURL(s.cfg.URL)).Msg("rtsp source connected")
	return nil
}

func (s *Source) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(strings.ToLower(line), "error") {
			s.logger.Warn().Str("ffmpeg", line).Msg("rtsp demux stderr")
		}
	}
}

// readVideo splits the raw Annex-B stream on start codes, emitting one
// media.Packet per NAL unit.
func (s *Source) readVideo() {
	defer close(s.done)
	var pts time.Duration
	frameDur := time.Second
	if s.desc.Video.FPS > 0 {
		frameDur = time.Duration(float64(time.Second) / s.desc.Video.FPS)
	}

	for {
		nal, err := readNALUnit(s.videoR)
		if err != nil {
			if err != io.EOF {
				select {
				case s.errCh <- err:
				default:
				}
			}
			return
		}
		if len(nal) == 0 {
			continue
		}
		nalType := nal[len(annexBStartCode):][0] & 0x1F
		pkt := media.Packet{
			Codec:      "h264",
			PTS:        pts,
			DTS:        pts,
			Payload:    nal,
			IsKeyframe: nalType == 5,
		}
		pts += frameDur
		select {
		case s.pktCh <- pkt:
		case <-s.done:
			return
		}
	}
}

func (s *Source) readAudio() {
	frameSize := s.desc.Audio.FrameSize
	if frameSize <= 0 {
		frameSize = 4096
	}
	bytesPerFrame := frameSize * s.desc.Audio.Channels * 2 // s16le
	buf := make([]byte, bytesPerFrame)
	var pts time.Duration
	frameDur := time.Duration(float64(frameSize) / float64(s.desc.Audio.SampleRate) * float64(time.Second))

	for {
		if _, err := io.ReadFull(s.audioR, buf); err != nil {
			return
		}
		payload := make([]byte, len(buf))
		copy(payload, buf)
		pkt := media.Packet{
			Codec:   "pcm_s16le",
			PTS:     pts,
			DTS:     pts,
			Payload: payload,
			IsAudio: true,
		}
		pts += frameDur
		select {
		case s.pktCh <- pkt:
		case <-s.done:
			return
		}
	}
}

// ReadPacket blocks until a packet is available, ctx is canceled, or the
// source ends.
func (s *Source) ReadPacket(ctx context.Context) (media.Packet, error) {
	select {
	case pkt := <-s.pktCh:
		return pkt, nil
	case err := <-s.errCh:
		return media.Packet{}, err
	case <-s.done:
		select {
		case pkt := <-s.pktCh:
			return pkt, nil
		default:
		}
		return media.Packet{}, io.EOF
	case <-ctx.Done():
		return media.Packet{}, ctx.Err()
	}
}

// Descriptor reports the stream's static properties discovered at Connect.
func (s *Source) Descriptor() segment.Descriptor {
	return s.desc
}

// Close terminates the ffmpeg demux process and releases its pipes.
func (s *Source) Close() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	_ = s.cmd.Process.Kill()
	if s.audioFile != nil {
		_ = s.audioFile.Close()
	}
	_ = s.cmd.Wait()
	return nil
}

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// readNALUnit reads bytes up to (not including) the next start code,
// returning one full NAL unit prefixed with the 4-byte Annex-B marker.
func readNALUnit(r *bufio.Reader) ([]byte, error) {
	if err := skipToStartCode(r); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(annexBStartCode)

	for {
		b, err := r.ReadByte()
		if err != nil {
			if buf.Len() > len(annexBStartCode) {
				return buf.Bytes(), nil
			}
			return nil, err
		}

		peeked, _ := r.Peek(3)
		if b == 0x00 && len(peeked) >= 2 && isStartCodeTail(peeked) {
			if err := r.UnreadByte(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		}
		buf.WriteByte(b)
	}
}

func isStartCodeTail(peeked []byte) bool {
	if len(peeked) >= 2 && peeked[0] == 0x00 && peeked[1] == 0x01 {
		return true
	}
	if len(peeked) >= 3 && peeked[0] == 0x00 && peeked[1] == 0x00 && peeked[2] == 0x01 {
		return true
	}
	return false
}

// skipToStartCode discards bytes until the reader is positioned just past
// the first Annex-B start code (3- or 4-byte form).
func skipToStartCode(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b != 0x00 {
			continue
		}
		peeked, _ := r.Peek(2)
		if len(peeked) >= 2 && peeked[0] == 0x00 && peeked[1] == 0x01 {
			_, err := r.Discard(2)
			return err
		}
		if len(peeked) >= 1 && peeked[0] == 0x01 {
			_, err := r.Discard(1)
			return err
		}
	}
}

func sanitizeURL(raw string) string {
	for _, proto := range []string{"rtsp://", "rtsps://"} {
		if strings.HasPrefix(raw, proto) {
			rest := strings.TrimPrefix(raw, proto)
			if at := strings.Index(rest, "@"); at != -1 {
				return proto + "***:***@" + rest[at+1:]
			}
		}
	}
	return raw
}

// probe runs ffprobe against url to learn the video/audio stream
// properties Connect needs before spawning the demux ffmpeg process.
func probe(ctx context.Context, url string) (segment.Descriptor, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-rtsp_transport", "tcp",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name,width,height,avg_frame_rate",
		"-of", "default=noprint_wrappers=1",
		url,
	)
	out, err := cmd.Output()
	if err != nil {
		return segment.Descriptor{}, fmt.Errorf("ffprobe video: %w", err)
	}

	var desc segment.Descriptor
	for _, line := range strings.Split(string(out), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch k {
		case "codec_name":
			desc.Video.Codec = v
		case "width":
			desc.Video.Width, _ = strconv.Atoi(v)
		case "height":
			desc.Video.Height, _ = strconv.Atoi(v)
		case "avg_frame_rate":
			desc.Video.FPS = parseFrameRate(v)
		}
	}

	audioCmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-rtsp_transport", "tcp",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_name,sample_rate,channels",
		"-of", "default=noprint_wrappers=1",
		url,
	)
	if audioOut, err := audioCmd.Output(); err == nil {
		for _, line := range strings.Split(string(audioOut), "\n") {
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			switch k {
			case "codec_name":
				desc.Audio.Codec = v
			case "sample_rate":
				desc.Audio.SampleRate, _ = strconv.Atoi(v)
			case "channels":
				desc.Audio.Channels, _ = strconv.Atoi(v)
			}
		}
		if desc.Audio.Codec != "" {
			desc.Audio.FrameSize = 1024
		}
	}

	return desc, nil
}

func parseFrameRate(v string) float64 {
	num, den, ok := strings.Cut(v, "/")
	if !ok {
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	n, errN := strconv.ParseFloat(num, 64)
	d, errD := strconv.ParseFloat(den, 64)
	if errN != nil || errD != nil || d == 0 {
		return 0
	}
	return n / d
}
