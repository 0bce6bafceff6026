// Package video detects available ffmpeg hardware-acceleration backends,
// used by internal/export to accelerate its codec-mismatch re-encode pass
// (spec.md §4.6's "re-encode" fallback has no hardware requirement, but
// using hwaccel when present keeps the fallback cheap). Grounded on the
// teacher's internal/video/hwaccel.go, converted from log/slog to zerolog
// per this module's ambient logging choice (SPEC_FULL.md §7).
package video

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HWAccelType identifies an ffmpeg hardware-acceleration backend.
type HWAccelType string

const (
	HWAccelNone         HWAccelType = ""
	HWAccelCUDA         HWAccelType = "cuda"         // NVIDIA GPU
	HWAccelVideoToolbox HWAccelType = "videotoolbox" // macOS
	HWAccelVAAPI        HWAccelType = "vaapi"        // Linux VA-API
	HWAccelQSV          HWAccelType = "qsv"          // Intel Quick Sync
	HWAccelD3D11VA      HWAccelType = "d3d11va"      // Windows DirectX 11
	HWAccelDXVA2        HWAccelType = "dxva2"        // Windows DirectX 9
	HWAccelVulkan       HWAccelType = "vulkan"        // cross-platform Vulkan
)

// Capabilities describes available hardware acceleration.
type Capabilities struct {
	Available   []HWAccelType `json:"available"`
	Recommended HWAccelType   `json:"recommended"`
	DecodeH264  bool          `json:"decode_h264"`
	DecodeH265  bool          `json:"decode_h265"`
	EncodeH264  bool          `json:"encode_h264"`
	EncodeH265  bool          `json:"encode_h265"`
	GPUName     string        `json:"gpu_name,omitempty"`
	DetectedAt  time.Time     `json:"detected_at"`
}

// Detector probes and caches hardware acceleration capabilities.
type Detector struct {
	mu           sync.RWMutex
	capabilities *Capabilities
	logger       zerolog.Logger
}

// NewDetector creates a Detector.
func NewDetector(logger zerolog.Logger) *Detector {
	return &Detector{logger: logger.With().Str("component", "hwaccel").Logger()}
}

// Detect probes for hardware acceleration and caches the result.
func (d *Detector) Detect(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps := &Capabilities{Available: make([]HWAccelType, 0), DetectedAt: time.Now()}

	if !d.checkFFmpeg() {
		d.logger.Warn().Msg("ffmpeg not found, hardware acceleration unavailable")
		d.capabilities = caps
		return caps, nil
	}

	switch runtime.GOOS {
	case "darwin":
		d.detectMacOS(ctx, caps)
	case "linux":
		d.detectLinux(ctx, caps)
	case "windows":
		d.detectWindows(ctx, caps)
	}

	caps.Recommended = d.selectRecommended(caps.Available)
	d.capabilities = caps
	d.logger.Info().
		Interface("available", caps.Available).
		Str("recommended", string(caps.Recommended)).
		Str("gpu", caps.GPUName).
		Msg("hardware acceleration detection complete")

	return caps, nil
}

// GetCapabilities returns the cached capabilities, detecting on first call.
func (d *Detector) GetCapabilities(ctx context.Context) (*Capabilities, error) {
	d.mu.RLock()
	if d.capabilities != nil {
		caps := d.capabilities
		d.mu.RUnlock()
		return caps, nil
	}
	d.mu.RUnlock()
	return d.Detect(ctx)
}

// GetRecommended returns the best available acceleration type, or
// HWAccelNone if detection fails or finds nothing.
func (d *Detector) GetRecommended(ctx context.Context) HWAccelType {
	caps, err := d.GetCapabilities(ctx)
	if err != nil || caps == nil {
		return HWAccelNone
	}
	return caps.Recommended
}

// DecodeArgs returns the ffmpeg input-side arguments (placed before -i)
// for the recommended acceleration, for use as a decode accelerator ahead
// of a software re-encode.
func (d *Detector) DecodeArgs(ctx context.Context) []string {
	return FFmpegHWAccelArgs(d.GetRecommended(ctx))
}

// FFmpegHWAccelArgs returns the ffmpeg decode-side arguments for accel.
func FFmpegHWAccelArgs(accel HWAccelType) []string {
	switch accel {
	case HWAccelCUDA:
		return []string{"-hwaccel", "cuda", "-hwaccel_output_format", "cuda"}
	case HWAccelVideoToolbox:
		return []string{"-hwaccel", "videotoolbox"}
	case HWAccelVAAPI:
		return []string{"-hwaccel", "vaapi", "-hwaccel_device", "/dev/dri/renderD128"}
	case HWAccelQSV:
		return []string{"-hwaccel", "qsv"}
	case HWAccelD3D11VA:
		return []string{"-hwaccel", "d3d11va"}
	case HWAccelDXVA2:
		return []string{"-hwaccel", "dxva2"}
	case HWAccelVulkan:
		return []string{"-hwaccel", "vulkan"}
	default:
		return nil
	}
}

func (d *Detector) checkFFmpeg() bool {
	return exec.Command("ffmpeg", "-version").Run() == nil
}

func (d *Detector) detectMacOS(ctx context.Context, caps *Capabilities) {
	if d.testVideoToolbox(ctx) {
		caps.Available = append(caps.Available, HWAccelVideoToolbox)
		caps.DecodeH264, caps.DecodeH265 = true, true
		caps.EncodeH264, caps.EncodeH265 = true, true
	}
	caps.GPUName = d.getMacGPUName()
}

func (d *Detector) detectLinux(ctx context.Context, caps *Capabilities) {
	if d.hasNVIDIAGPU() && d.testCUDA(ctx) {
		caps.Available = append(caps.Available, HWAccelCUDA)
		caps.GPUName = d.getNVIDIAGPUName()
		caps.DecodeH264, caps.DecodeH265 = true, true
		caps.EncodeH264, caps.EncodeH265 = true, true
	}
	if d.hasVAAPI() && d.testVAAPI(ctx) {
		caps.Available = append(caps.Available, HWAccelVAAPI)
		if caps.GPUName == "" {
			caps.GPUName = d.getVAAPIGPUName()
		}
		caps.DecodeH264, caps.DecodeH265 = true, true
		caps.EncodeH264 = true
	}
	if d.hasQSV() && d.testQSV(ctx) {
		caps.Available = append(caps.Available, HWAccelQSV)
		caps.DecodeH264, caps.DecodeH265 = true, true
		caps.EncodeH264 = true
	}
}

func (d *Detector) detectWindows(ctx context.Context, caps *Capabilities) {
	if d.hasNVIDIAGPU() && d.testCUDA(ctx) {
		caps.Available = append(caps.Available, HWAccelCUDA)
		caps.GPUName = d.getNVIDIAGPUName()
		caps.DecodeH264, caps.DecodeH265 = true, true
		caps.EncodeH264, caps.EncodeH265 = true, true
	}
	if d.testD3D11VA(ctx) {
		caps.Available = append(caps.Available, HWAccelD3D11VA)
		caps.DecodeH264, caps.DecodeH265 = true, true
	}
	if d.hasQSV() && d.testQSV(ctx) {
		caps.Available = append(caps.Available, HWAccelQSV)
		caps.DecodeH264, caps.DecodeH265 = true, true
		caps.EncodeH264 = true
	}
}

func (d *Detector) selectRecommended(available []HWAccelType) HWAccelType {
	priority := []HWAccelType{
		HWAccelCUDA, HWAccelVideoToolbox, HWAccelQSV, HWAccelVAAPI, HWAccelD3D11VA, HWAccelDXVA2, HWAccelVulkan,
	}
	for _, accel := range priority {
		for _, avail := range available {
			if accel == avail {
				return accel
			}
		}
	}
	return HWAccelNone
}

func (d *Detector) testVideoToolbox(ctx context.Context) bool {
	output, err := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-hwaccels").CombinedOutput()
	if err != nil {
		return false
	}
	return strings.Contains(string(output), "videotoolbox")
}

func (d *Detector) runHWAccelProbe(ctx context.Context, accel string) bool {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-hwaccel", accel,
		"-f", "lavfi", "-i", "testsrc=duration=1:size=320x240:rate=1",
		"-f", "null", "-",
	)
	return cmd.Run() == nil
}

func (d *Detector) testCUDA(ctx context.Context) bool    { return d.runHWAccelProbe(ctx, "cuda") }
func (d *Detector) testVAAPI(ctx context.Context) bool   { return d.runHWAccelProbe(ctx, "vaapi") }
func (d *Detector) testQSV(ctx context.Context) bool     { return d.runHWAccelProbe(ctx, "qsv") }
func (d *Detector) testD3D11VA(ctx context.Context) bool { return d.runHWAccelProbe(ctx, "d3d11va") }

func (d *Detector) hasNVIDIAGPU() bool {
	output, err := exec.Command("nvidia-smi", "-L").Output()
	return err == nil && strings.Contains(string(output), "GPU")
}

func (d *Detector) getNVIDIAGPUName() string {
	output, err := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

func (d *Detector) hasVAAPI() bool {
	return exec.Command("ls", "/dev/dri/renderD128").Run() == nil
}

func (d *Detector) getVAAPIGPUName() string {
	output, err := exec.Command("vainfo").Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(output), "\n") {
		if strings.Contains(line, "Driver version") {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

func (d *Detector) hasQSV() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	if exec.Command("ls", "/dev/dri/renderD128").Run() != nil {
		return false
	}
	output, err := exec.Command("lspci").Output()
	if err != nil {
		return false
	}
	lower := strings.ToLower(string(output))
	return strings.Contains(lower, "intel") && strings.Contains(lower, "vga")
}

func (d *Detector) getMacGPUName() string {
	output, err := exec.Command("system_profiler", "SPDisplaysDataType").Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(output), "\n") {
		if strings.Contains(line, "Chipset Model:") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return ""
}

// FormatCapabilities renders a human-readable capabilities summary.
func (c *Capabilities) FormatCapabilities() string {
	if len(c.Available) == 0 {
		return "no hardware acceleration available (using software encoding)"
	}
	return fmt.Sprintf(
		"recommended: %s, available: %v, gpu: %s, decode h264/h265: %v/%v, encode h264/h265: %v/%v",
		c.Recommended, c.Available, c.GPUName, c.DecodeH264, c.DecodeH265, c.EncodeH264, c.EncodeH265,
	)
}
