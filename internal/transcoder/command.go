package transcoder

import (
	"math"
	"strconv"
	"strings"
)

// Decoder identifiers for the input video.
const (
	DecoderHEVC = "hevc_cuvid"
	DecoderH264 = "h264_cuvid"
	DecoderAuto = "auto"
)

// Watermark placements.
const (
	LayoutTopRight    = "top-right"
	LayoutRightMiddle = "right-middle"
)

// Command is an external program plus its arguments.
type Command struct {
	Path string
	Args []string
}

// String reconstructs the command line for logs and error reports.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, quoteArg(c.Path))
	for _, a := range c.Args {
		parts = append(parts, quoteArg(a))
	}
	return strings.Join(parts, " ")
}

func quoteArg(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t'\"[];") {
		return strconv.Quote(s)
	}
	return s
}

// DecoderFor maps a probed codec to a hardware decoder. Unknown codecs get
// DecoderAuto.
func DecoderFor(codec string) string {
	switch strings.ToLower(codec) {
	case "hevc":
		return DecoderHEVC
	case "h264":
		return DecoderH264
	default:
		return DecoderAuto
	}
}

// WatermarkFilter returns the filter graph that scales the watermark and
// overlays it on the main video.
func WatermarkFilter(layout, pixFmt string) string {
	y := "y='max((w/2.5) - (h/2), 0)'"
	if layout == LayoutRightMiddle {
		y = "y='max((main_h - h)/2, 0)'"
	}
	return "[1:v]scale=iw*0.09:ih*0.09," +
		"zscale=rangein=full:range=limited," +
		"format=rgba[watermark];" +
		"[0:v][watermark]overlay=" +
		"x='max(main_w - w - (w/3.5), 0)':" +
		y + "[overlayed_video];" +
		"[overlayed_video]format=" + pixFmt
}

// BuildInput is everything the builder needs for one output.
type BuildInput struct {
	FFmpegPath       string
	Profile          EncodeProfile
	Metadata         *MediaMetadata
	Rates            RateProfile
	AudioBitrateKbps float64
	InputPath        string
	WatermarkPath    string // required for KindWatermarked
	WatermarkLayout  string
	OutputPath       string
	Description      string
}

// BuildCommand produces the ffmpeg invocation for in. It does no I/O.
func BuildCommand(in BuildInput) (Command, error) {
	fp, err := in.Profile.Family.Params()
	if err != nil {
		return Command{}, err
	}

	args := make([]string, 0, 72)
	args = append(args, "-y", "-hide_banner", "-loglevel", "info", "-stats")

	watermarked := in.Profile.Kind == KindWatermarked && in.WatermarkPath != ""
	if watermarked {
		args = append(args, "-hwaccel", "cuda")
	}
	if dec := DecoderFor(in.Metadata.Codec); dec != DecoderAuto {
		args = append(args, "-c:v", dec)
	}
	args = append(args, "-i", in.InputPath)

	if watermarked {
		args = append(args,
			"-i", in.WatermarkPath,
			"-filter_complex", WatermarkFilter(in.WatermarkLayout, fp.PixelFormat),
			"-pix_fmt", fp.PixelFormat,
		)
	}

	args = appendFamily(args, fp, in.Rates)
	args = appendTail(args, fp, in)
	args = append(args, in.OutputPath)

	return Command{Path: in.FFmpegPath, Args: args}, nil
}

// appendFamily adds the encoder flags. A rate profile that did not converge
// carries no bounds, so -maxrate and -bufsize are left out.
func appendFamily(args []string, fp FamilyParams, r RateProfile) []string {
	args = append(args,
		"-c:v", fp.Encoder,
		"-preset", fp.Preset,
		"-profile:v", fp.Profile,
		"-b:v", strconv.FormatInt(r.VideoBitrateBps, 10),
	)
	if r.Converged() {
		args = append(args,
			"-maxrate", strconv.FormatInt(r.MaxRateBps, 10),
			"-bufsize", strconv.FormatInt(r.BufferSizeBytes, 10),
		)
	}
	args = append(args, "-rc", fp.RateControl)
	return append(args, fp.Extra...)
}

// appendTail adds the colour, container, audio and metadata flags shared by
// every family.
func appendTail(args []string, fp FamilyParams, in BuildInput) []string {
	m := in.Metadata
	return append(args,
		"-colorspace", m.ColorSpace,
		"-color_primaries", m.ColorPrimaries,
		"-color_trc", m.ColorTransfer,
		"-color_range", m.ColorRange,
		"-tag:v", fp.CodecTag,
		"-movflags", "+faststart",
		"-c:a", "aac",
		"-b:a", formatKbps(in.AudioBitrateKbps),
		"-ac", "2",
		"-map_metadata", "-1",
		"-metadata", "description="+in.Description,
		"-metadata", "title="+in.Description,
	)
}

func formatKbps(kbps float64) string {
	return strconv.FormatInt(int64(math.Round(kbps)), 10) + "k"
}
