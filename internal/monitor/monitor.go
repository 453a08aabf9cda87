package monitor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"watermark-encoder/pkg/models"
)

// Runner executes ffmpeg and returns its stdout.
type Runner func(ctx context.Context, bin string, args ...string) (string, error)

func execRunner(ctx context.Context, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return out.String(), nil
}

// The codecs the encoder relies on, as ffmpeg lists them.
var wantedCodecs = []string{"hevc_nvenc", "av1_nvenc", "hevc_cuvid", "h264_cuvid"}

type SystemMonitor struct {
	ffmpegPath string
	run        Runner

	once       sync.Once
	cachedCaps []string
	capsErr    error
}

func NewSystemMonitor(ffmpegPath string) *SystemMonitor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &SystemMonitor{ffmpegPath: ffmpegPath, run: execRunner}
}

// WithRunner swaps the ffmpeg runner, for tests.
func (m *SystemMonitor) WithRunner(r Runner) *SystemMonitor {
	m.run = r
	return m
}

// GetCapabilities lists which of the NVENC encoders and CUVID decoders this
// ffmpeg build exposes. The result is computed once.
func (m *SystemMonitor) GetCapabilities(ctx context.Context) ([]string, error) {
	m.once.Do(func() {
		m.cachedCaps, m.capsErr = m.detectFFmpegCapabilities(ctx)
	})
	return m.cachedCaps, m.capsErr
}

// Supports reports whether codec appeared in the capability list.
func (m *SystemMonitor) Supports(ctx context.Context, codec string) bool {
	caps, err := m.GetCapabilities(ctx)
	if err != nil {
		return false
	}
	for _, c := range caps {
		if c == codec {
			return true
		}
	}
	return false
}

func (m *SystemMonitor) detectFFmpegCapabilities(ctx context.Context) ([]string, error) {
	enc, err := m.run(ctx, m.ffmpegPath, "-hide_banner", "-encoders")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg encoder check failed: %w", err)
	}
	dec, err := m.run(ctx, m.ffmpegPath, "-hide_banner", "-decoders")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg decoder check failed: %w", err)
	}
	return parseCodecList(enc+"\n"+dec, wantedCodecs), nil
}

// parseCodecList returns the names from want that appear as the codec
// column of ffmpeg's -encoders/-decoders listing, e.g.
// " V....D hevc_nvenc           NVIDIA NVENC hevc encoder".
func parseCodecList(listing string, want []string) []string {
	seen := make(map[string]bool)
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		seen[fields[1]] = true
	}
	var caps []string
	for _, w := range want {
		if seen[w] {
			caps = append(caps, w)
		}
	}
	return caps
}

// GetStats gathers real-time CPU and RAM usage.
func (m *SystemMonitor) GetStats(ctx context.Context) (models.HostStats, error) {
	stats := models.HostStats{}

	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to get mem stats: %w", err)
	}
	stats.RAMPercent = v.UsedPercent
	stats.RAMAvailableGB = float64(v.Available) / (1024 * 1024 * 1024)

	cpuPct, err := cpu.PercentWithContext(ctx, 500*time.Millisecond, false)
	if err != nil {
		return stats, fmt.Errorf("failed to get cpu stats: %w", err)
	}
	if len(cpuPct) > 0 {
		stats.CPUPercent = cpuPct[0]
	}

	stats.IsBusy = isBusy(stats)
	return stats, nil
}

func isBusy(s models.HostStats) bool {
	return s.CPUPercent > 80.0 || s.RAMPercent > 90.0
}

// GetHostInfo describes the machine once per session. Capability detection
// failures leave Capabilities empty rather than failing the call.
func (m *SystemMonitor) GetHostInfo(ctx context.Context) (models.HostInfo, error) {
	info := models.HostInfo{}

	h, err := host.InfoWithContext(ctx)
	if err != nil {
		return info, fmt.Errorf("failed to get host info: %w", err)
	}
	info.Hostname = h.Hostname
	info.Platform = strings.TrimSpace(h.Platform + " " + h.PlatformVersion)

	if ci, err := cpu.InfoWithContext(ctx); err == nil && len(ci) > 0 {
		info.CPUModel = ci[0].ModelName
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.TotalThreads = n
	}
	info.Capabilities, _ = m.GetCapabilities(ctx)
	return info, nil
}
