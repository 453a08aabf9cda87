package transcoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Colour defaults applied when ffprobe reports nothing.
const (
	DefaultColor      = "bt709"
	DefaultColorRange = "tv"
)

// MediaMetadata is what one input file looks like to the encoder. It is
// built once by Probe and not modified afterwards.
type MediaMetadata struct {
	Codec            string
	DurationSeconds  float64
	AudioBitrateKbps float64
	ColorSpace       string
	ColorPrimaries   string
	ColorTransfer    string
	ColorRange       string
	Valid            bool
}

// ProbeRunner runs ffprobe with args and returns its stdout.
type ProbeRunner func(ctx context.Context, bin string, args ...string) (string, error)

func execProbe(ctx context.Context, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	err := cmd.Run()
	return out.String(), err
}

// Prober extracts MediaMetadata with one ffprobe call per attribute.
type Prober struct {
	bin              string
	audioCeilingKbps float64
	run              ProbeRunner
	log              zerolog.Logger
}

// NewProber returns a Prober that runs bin. Audio bitrates above
// audioCeilingKbps are clamped to it.
func NewProber(bin string, audioCeilingKbps float64, log zerolog.Logger) *Prober {
	return &Prober{
		bin:              bin,
		audioCeilingKbps: audioCeilingKbps,
		run:              execProbe,
		log:              log.With().Str("component", "probe").Logger(),
	}
}

// WithRunner swaps the process runner; tests feed canned output through it.
func (p *Prober) WithRunner(r ProbeRunner) *Prober {
	p.run = r
	return p
}

func (p *Prober) args(path string, query ...string) []string {
	args := []string{"-v", "error", "-of", "default=noprint_wrappers=1:nokey=1", path}
	return append(args, query...)
}

// query returns the trimmed value of one attribute. A failed call counts as
// an absent attribute.
func (p *Prober) query(ctx context.Context, path string, q ...string) string {
	out, err := p.run(ctx, p.bin, p.args(path, q...)...)
	if err != nil {
		p.log.Debug().Err(err).Strs("query", q).Str("path", path).Msg("ffprobe query failed")
		return ""
	}
	// ffprobe prints one line per matching stream; keep the first.
	out = strings.TrimSpace(out)
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		out = strings.TrimSpace(out[:i])
	}
	if out == "N/A" {
		return ""
	}
	return out
}

func (p *Prober) commandLine(path string, q ...string) string {
	return Command{Path: p.bin, Args: p.args(path, q...)}.String()
}

// Probe reads codec, duration, audio bitrate and colour attributes of path.
// A missing file, an unreadable codec or a non-positive duration is a
// *ProbeError; every other attribute degrades to its default.
func (p *Prober) Probe(ctx context.Context, path string) (*MediaMetadata, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ProbeError{Path: path, Reason: "file does not exist"}
		}
		return nil, &ProbeError{Path: path, Reason: err.Error()}
	}

	codecQuery := []string{"-select_streams", "v:0", "-show_entries", "stream=codec_name"}
	meta := &MediaMetadata{
		Codec: strings.ToLower(p.query(ctx, path, codecQuery...)),
	}
	if meta.Codec == "" {
		return nil, &ProbeError{Path: path, Reason: "no video codec reported", Command: p.commandLine(path, codecQuery...)}
	}

	durQuery := []string{"-show_entries", "format=duration"}
	raw := p.query(ctx, path, durQuery...)
	dur, err := strconv.ParseFloat(raw, 64)
	if err != nil || dur <= 0 {
		return nil, &ProbeError{
			Path:    path,
			Reason:  fmt.Sprintf("unparsable duration %q", raw),
			Command: p.commandLine(path, durQuery...),
		}
	}
	meta.DurationSeconds = dur

	meta.AudioBitrateKbps = p.audioBitrate(ctx, path)

	meta.ColorSpace = p.attr(ctx, path, "color_space", DefaultColor)
	meta.ColorPrimaries = p.attr(ctx, path, "color_primaries", DefaultColor)
	meta.ColorTransfer = p.attr(ctx, path, "color_transfer", DefaultColor)
	meta.ColorRange = p.attr(ctx, path, "color_range", DefaultColorRange)
	meta.Valid = true

	p.log.Debug().
		Str("path", path).
		Str("codec", meta.Codec).
		Float64("duration_s", meta.DurationSeconds).
		Float64("audio_kbps", meta.AudioBitrateKbps).
		Msg("probed")
	return meta, nil
}

func (p *Prober) audioBitrate(ctx context.Context, path string) float64 {
	raw := p.query(ctx, path, "-select_streams", "a:0", "-show_entries", "stream=bit_rate")
	bps, err := strconv.ParseFloat(raw, 64)
	if err != nil || bps <= 0 {
		p.log.Debug().Str("path", path).Msg("audio bitrate unavailable")
		return 0
	}
	kbps := bps / 1000
	if p.audioCeilingKbps > 0 && kbps > p.audioCeilingKbps {
		p.log.Debug().
			Float64("source_kbps", kbps).
			Float64("ceiling_kbps", p.audioCeilingKbps).
			Msg("audio bitrate clamped")
		kbps = p.audioCeilingKbps
	}
	return kbps
}

func (p *Prober) attr(ctx context.Context, path, entry, def string) string {
	v := p.query(ctx, path, "-select_streams", "v:0", "-show_entries", "stream="+entry)
	if v == "" || v == "unknown" {
		p.log.Debug().Str("attr", entry).Str("default", def).Msg("probe default applied")
		return def
	}
	return v
}
