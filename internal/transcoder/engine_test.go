package transcoder

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func testOptions() Options {
	return Options{
		WatermarkPath:    "/wm/logo.png",
		WatermarkLayout:  LayoutTopRight,
		ThresholdMinutes: 30,
		TargetSizeGB:     3.8,
		DefaultBitrate:   12_000_000,
		AudioCeilingKbps: 256,
		LongEncoder:      string(FamilyHEVC),
		ShortEncoder:     string(FamilyHEVC),
		Rate:             DefaultRateParams(256),
	}
}

func TestEngine_SkipsExistingOutputs(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "ep01_watermarked.mp4")
	if err := os.WriteFile(out, []byte("done"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	e, err := newEngine("/nonexistent/ffmpeg", "/nonexistent/ffprobe", testOptions(), zerolog.New(&buf))
	if err != nil {
		t.Fatal(err)
	}
	probed := false
	e.prober.WithRunner(func(context.Context, string, ...string) (string, error) {
		probed = true
		return "", errors.New("must not probe")
	})

	results, err := e.Process(context.Background(), Request{
		InputPath: filepath.Join(dir, "ep01.mkv"),
		Variants:  []Variant{{Kind: KindWatermarked, OutputPath: out}},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(results) != 1 || !results[0].Skipped || results[0].Err() != nil {
		t.Fatalf("results = %+v", results)
	}
	if probed {
		t.Error("input probed although every output exists")
	}
	if !strings.Contains(buf.String(), "skipped") {
		t.Errorf("no skip event logged: %s", buf.String())
	}
	if b, _ := os.ReadFile(out); string(b) != "done" {
		t.Error("existing output was modified")
	}
}

func TestEngine_ProbeFailureIsPerFile(t *testing.T) {
	dir := t.TempDir()
	e, err := newEngine("/nonexistent/ffmpeg", "/nonexistent/ffprobe", testOptions(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Process(context.Background(), Request{
		InputPath: filepath.Join(dir, "missing.mkv"),
		Variants:  []Variant{{Kind: KindPlain, OutputPath: filepath.Join(dir, "missing_wwm.mp4")}},
	})
	if !errors.Is(err, ErrProbe) {
		t.Errorf("err = %v, want ErrProbe", err)
	}
}

func TestEngine_DryRunBuildsBothVariants(t *testing.T) {
	dir := t.TempDir()
	in := touch(t)
	opts := testOptions()
	opts.DryRun = true
	opts.ShortEncoder = string(FamilyAV1)

	e, err := newEngine("/opt/ffmpeg", "/opt/ffprobe", opts, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	e.prober.WithRunner(fakeProbe(map[string]string{
		"stream=codec_name": "hevc",
		"format=duration":   "1440",
		"stream=bit_rate":   "128000",
	}))

	results, err := e.Process(context.Background(), Request{
		InputPath: in,
		Variants: []Variant{
			{Kind: KindWatermarked, OutputPath: filepath.Join(dir, "a_watermarked.mp4")},
			{Kind: KindPlain, OutputPath: filepath.Join(dir, "a_wwm.mp4")},
		},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}

	wm, plain := results[0], results[1]
	if wm.Profile.Family != FamilyAV1 || plain.Profile.Family != FamilyAV1 {
		t.Errorf("short input must use the short encoder: %+v / %+v", wm.Profile, plain.Profile)
	}
	want := RateProfile{VideoBitrateBps: 12_000_000, MaxRateBps: DefaultShortMaxRate, BufferSizeBytes: DefaultShortBufSize}
	if wm.Rates != want {
		t.Errorf("rates = %+v, want %+v", wm.Rates, want)
	}
	if !strings.Contains(wm.Command.String(), "-filter_complex") {
		t.Error("watermarked variant lacks the overlay")
	}
	if strings.Contains(plain.Command.String(), "-filter_complex") {
		t.Error("plain variant carries the overlay")
	}
	if !strings.Contains(plain.Command.String(), "-b:a 128k") {
		t.Errorf("audio bitrate not carried: %s", plain.Command.String())
	}
	if !wm.DryRun || !plain.DryRun {
		t.Error("dry-run results not marked")
	}
	if wm.JobID == "" || wm.JobID == plain.JobID {
		t.Errorf("job ids = %q, %q", wm.JobID, plain.JobID)
	}
	if _, err := os.Stat(wm.Variant.OutputPath); !os.IsNotExist(err) {
		t.Error("dry run produced an output file")
	}
}

func TestEngine_NonConvergedEncodesAtFloorRate(t *testing.T) {
	opts := testOptions()
	opts.DryRun = true
	opts.TargetSizeGB = 0.5
	opts.DefaultBitrate = 5_000_000

	var buf bytes.Buffer
	e, err := newEngine("/opt/ffmpeg", "/opt/ffprobe", opts, zerolog.New(&buf))
	if err != nil {
		t.Fatal(err)
	}
	e.prober.WithRunner(fakeProbe(map[string]string{
		"stream=codec_name": "h264",
		"format=duration":   "36000",
		"stream=bit_rate":   "256000",
	}))

	results, err := e.Process(context.Background(), Request{
		InputPath: touch(t),
		Variants:  []Variant{{Kind: KindPlain, OutputPath: filepath.Join(t.TempDir(), "long_wwm.mp4")}},
	})
	if err != nil || len(results) != 1 {
		t.Fatalf("results = %+v, err = %v", results, err)
	}

	res := results[0]
	if res.Rates.Converged() || res.Rates.VideoBitrateBps > DefaultMinVideoBitrate {
		t.Fatalf("rates = %+v, want floor sentinel", res.Rates)
	}
	line := res.Command.String()
	if !strings.Contains(line, "-b:v "+strconv.FormatInt(res.Rates.VideoBitrateBps, 10)+" ") {
		t.Errorf("floor rate not in command: %s", line)
	}
	if strings.Contains(line, "-maxrate") || strings.Contains(line, "-bufsize") {
		t.Errorf("bounds emitted for a non-converged profile: %s", line)
	}
	if !strings.Contains(buf.String(), "did not converge") || !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Errorf("missing non-convergence warning: %s", buf.String())
	}
}

func TestEngine_CancelledBeforeStartReportsEveryVariant(t *testing.T) {
	dir := t.TempDir()
	e, err := newEngine("/opt/ffmpeg", "/opt/ffprobe", testOptions(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	probed := false
	e.prober.WithRunner(func(context.Context, string, ...string) (string, error) {
		probed = true
		return "", errors.New("must not probe")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := e.Process(ctx, Request{
		InputPath: touch(t),
		Variants: []Variant{
			{Kind: KindWatermarked, OutputPath: filepath.Join(dir, "a_watermarked.mp4")},
			{Kind: KindPlain, OutputPath: filepath.Join(dir, "a_wwm.mp4")},
		},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if probed {
		t.Error("probed with a cancelled context")
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Outcome.State != StateCancelled || !errors.Is(r.Err(), ErrEncodeCancelled) || r.JobID == "" {
			t.Errorf("result = %+v", r)
		}
	}
}

func TestEngine_CancelledBetweenVariants(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.DryRun = true
	e, err := newEngine("/opt/ffmpeg", "/opt/ffprobe", opts, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	answers := fakeProbe(map[string]string{"stream=codec_name": "hevc", "format=duration": "600"})
	// The run is interrupted while the last attribute is read.
	e.prober.WithRunner(func(c context.Context, bin string, args ...string) (string, error) {
		for _, a := range args {
			if a == "stream=color_range" {
				cancel()
			}
		}
		return answers(c, bin, args...)
	})

	results, err := e.Process(ctx, Request{
		InputPath: touch(t),
		Variants: []Variant{
			{Kind: KindWatermarked, OutputPath: filepath.Join(dir, "b_watermarked.mp4")},
			{Kind: KindPlain, OutputPath: filepath.Join(dir, "b_wwm.mp4")},
		},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Outcome.State != StateCancelled || r.DryRun {
			t.Errorf("result = %+v, want cancelled", r)
		}
	}
}

func TestNewEngine_RejectsUnsupportedEncoder(t *testing.T) {
	opts := testOptions()
	opts.LongEncoder = "libx265"
	_, err := newEngine("ffmpeg", "ffprobe", opts, zerolog.Nop())
	if !errors.Is(err, ErrUnsupportedEncoder) {
		t.Errorf("err = %v, want ErrUnsupportedEncoder", err)
	}
}

func TestSiblingProbe(t *testing.T) {
	tests := map[string]string{
		"ffmpeg":                "ffprobe",
		"ffmpeg.exe":            "ffprobe.exe",
		"/usr/local/bin/ffmpeg": "/usr/local/bin/ffprobe",
	}
	for in, want := range tests {
		if got := siblingProbe(in); got != want {
			t.Errorf("siblingProbe(%q) = %q, want %q", in, got, want)
		}
	}
}
