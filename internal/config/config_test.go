package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"watermark-encoder/internal/transcoder"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

// validConfig returns a config whose paths exist under a temp dir.
func validConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	if err := os.Mkdir(in, 0o755); err != nil {
		t.Fatal(err)
	}
	wm := filepath.Join(dir, "logo.png")
	writeFile(t, wm, "png")

	cfg, err := LoadConfig("", nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg.InputDir = in
	cfg.OutputDir = filepath.Join(dir, "out")
	cfg.NoWMOutputDir = filepath.Join(dir, "out_nowm")
	cfg.StaticWatermark = wm
	return cfg
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	if err != nil {
		t.Fatalf("missing file must fall back to defaults: %v", err)
	}
	if cfg.ThresholdMinutes != 30 || cfg.MaxFileSizeGB != 3.8 || cfg.DefaultVideoBitrate != 12 {
		t.Errorf("numeric defaults = %+v", cfg)
	}
	if cfg.LongVideoEncoder != "hevc_nvenc" || cfg.Mode != ModeBoth || cfg.Concurrency != 1 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Rate.Decay != 0.99 || cfg.Rate.MaxRateFactor != 1.2 || cfg.Rate.BufSizeFactor != 1.6 {
		t.Errorf("rate defaults = %+v", cfg.Rate)
	}
	if cfg.Rate.ShortMaxRate != 100_000_000 || cfg.Rate.ShortBufSize != 200_000_000 {
		t.Errorf("short bounds = %+v", cfg.Rate)
	}
	if strings.Join(cfg.Extensions, ",") != "mkv,mp4,avi" {
		t.Errorf("extensions = %v", cfg.Extensions)
	}
	if cfg.OutputPrefix != "[Ani4KHUB] " {
		t.Errorf("prefix = %q", cfg.OutputPrefix)
	}
}

func TestLoadConfig_FileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
input_dir: /videos/in
output_dir: /videos/out
short_video_encoder: av1_nvenc
threshold_minutes: 45
extensions: [mkv]
rate:
  decay: 0.95
log:
  level: debug
`)
	t.Setenv("WMENC_OUTPUT_DIR", "/env/out")
	t.Setenv("WMENC_LOG_FORMAT", "json")

	fs := Flags()
	if err := fs.Parse([]string{"--mode", "watermark", "--concurrency", "2"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path, fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.InputDir != "/videos/in" || cfg.ShortVideoEncoder != "av1_nvenc" || cfg.ThresholdMinutes != 45 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.OutputDir != "/env/out" || cfg.Log.Format != "json" {
		t.Errorf("env values not applied: output=%q format=%q", cfg.OutputDir, cfg.Log.Format)
	}
	if cfg.Mode != ModeWatermark || cfg.Concurrency != 2 {
		t.Errorf("flag values not applied: mode=%q concurrency=%d", cfg.Mode, cfg.Concurrency)
	}
	if cfg.Rate.Decay != 0.95 || cfg.Rate.MaxRateFactor != 1.2 {
		t.Errorf("nested rate = %+v", cfg.Rate)
	}
	if cfg.Log.Level != "debug" || len(cfg.Extensions) != 1 {
		t.Errorf("log=%+v extensions=%v", cfg.Log, cfg.Extensions)
	}
}

func TestLoadConfig_UnsetFlagsDoNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "mode: watermark\n")
	fs := Flags()
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path, fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != ModeWatermark {
		t.Errorf("mode = %q, flag zero value leaked", cfg.Mode)
	}
}

func TestLoadConfig_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "input_dir: [unterminated\n")
	if _, err := LoadConfig(path, nil); err == nil {
		t.Error("expected a parse error")
	}
}

func TestValidate_OK(t *testing.T) {
	cfg := validConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for _, d := range []string{cfg.OutputDir, cfg.NoWMOutputDir} {
		if fi, err := os.Stat(d); err != nil || !fi.IsDir() {
			t.Errorf("%s not created", d)
		}
	}
}

func TestValidate_MakesPathsAbsolute(t *testing.T) {
	cfg := validConfig(t)
	wd := t.TempDir()
	origWD, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(wd); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(origWD) })
	if err := os.Mkdir("in", 0o755); err != nil {
		t.Fatal(err)
	}
	cfg.InputDir = "in"
	cfg.OutputDir = "out"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(cfg.InputDir) || !filepath.IsAbs(cfg.OutputDir) {
		t.Errorf("paths not absolute: %q %q", cfg.InputDir, cfg.OutputDir)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing input", func(c *Config) { c.InputDir = "" }, "input_dir is required"},
		{"input not a dir", func(c *Config) { c.InputDir = c.StaticWatermark }, "not a directory"},
		{"watermark missing", func(c *Config) { c.StaticWatermark += ".gone" }, "static_watermark"},
		{"no plain dir in both mode", func(c *Config) { c.NoWMOutputDir = "" }, "no_wm_output_dir is required"},
		{"zero threshold", func(c *Config) { c.ThresholdMinutes = 0 }, "threshold_minutes must be positive"},
		{"negative size", func(c *Config) { c.MaxFileSizeGB = -1 }, "max_file_size_gb"},
		{"decay of one", func(c *Config) { c.Rate.Decay = 1 }, "rate.decay"},
		{"maxrate factor", func(c *Config) { c.Rate.MaxRateFactor = 1 }, "rate.maxrate_factor"},
		{"bufsize factor", func(c *Config) { c.Rate.BufSizeFactor = 0.5 }, "rate.bufsize_factor"},
		{"default below floor", func(c *Config) { c.DefaultVideoBitrate = 0.5 }, "below rate.min_video_bitrate"},
		{"concurrency", func(c *Config) { c.Concurrency = 0 }, "concurrency"},
		{"mode", func(c *Config) { c.Mode = "plain" }, "mode must be"},
		{"layout", func(c *Config) { c.WatermarkLayout = "bottom" }, "watermark_layout"},
		{"extensions", func(c *Config) { c.Extensions = nil }, "extensions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_UnsupportedEncoder(t *testing.T) {
	cfg := validConfig(t)
	cfg.ShortVideoEncoder = "h264_nvenc"
	if err := cfg.Validate(); !errors.Is(err, transcoder.ErrUnsupportedEncoder) {
		t.Errorf("err = %v, want ErrUnsupportedEncoder", err)
	}
}

func TestValidate_WatermarkModeSkipsPlainDir(t *testing.T) {
	cfg := validConfig(t)
	cfg.Mode = ModeWatermark
	cfg.NoWMOutputDir = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestEngineOptions(t *testing.T) {
	cfg := validConfig(t)
	cfg.DefaultVideoBitrate = 12
	opts := cfg.EngineOptions()
	if opts.DefaultBitrate != 12_000_000 {
		t.Errorf("default bitrate = %d bps, want 12000000", opts.DefaultBitrate)
	}
	if opts.Rate.AudioCeilingKbps != 256 || opts.AudioCeilingKbps != 256 {
		t.Errorf("audio ceiling = %+v", opts)
	}
	if opts.WatermarkPath != cfg.StaticWatermark || opts.TargetSizeGB != 3.8 {
		t.Errorf("opts = %+v", opts)
	}
}
