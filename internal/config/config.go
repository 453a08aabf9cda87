package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"watermark-encoder/internal/batch"
	"watermark-encoder/internal/logx"
	"watermark-encoder/internal/transcoder"
)

const (
	ModeBoth      = batch.ModeBoth
	ModeWatermark = batch.ModeWatermark
)

// RateConfig tunes the bitrate negotiation.
type RateConfig struct {
	MinVideoBitrate int64   `mapstructure:"min_video_bitrate"`
	Decay           float64 `mapstructure:"decay"`
	MaxRateFactor   float64 `mapstructure:"maxrate_factor"`
	BufSizeFactor   float64 `mapstructure:"bufsize_factor"`
	ShortMaxRate    int64   `mapstructure:"short_maxrate"`
	ShortBufSize    int64   `mapstructure:"short_bufsize"`
}

// LogConfig selects log level, console format and the session log directory.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Dir    string `mapstructure:"dir"`
}

// Config holds all the settings for an encoding run.
type Config struct {
	InputDir        string `mapstructure:"input_dir"`
	OutputDir       string `mapstructure:"output_dir"`
	NoWMOutputDir   string `mapstructure:"no_wm_output_dir"`
	StaticWatermark string `mapstructure:"static_watermark"`
	FFmpegPath      string `mapstructure:"ffmpeg_path"`
	FFprobePath     string `mapstructure:"ffprobe_path"`
	Description     string `mapstructure:"description"`

	ThresholdMinutes    float64 `mapstructure:"threshold_minutes"`
	MaxFileSizeGB       float64 `mapstructure:"max_file_size_gb"`
	DefaultVideoBitrate float64 `mapstructure:"default_video_bitrate"` // Mbps
	TargetAudioBitrate  float64 `mapstructure:"target_audio_bitrate"`  // kbps
	LongVideoEncoder    string  `mapstructure:"long_video_encoder"`
	ShortVideoEncoder   string  `mapstructure:"short_video_encoder"`

	Mode            string   `mapstructure:"mode"`
	WatermarkLayout string   `mapstructure:"watermark_layout"`
	OutputPrefix    string   `mapstructure:"output_prefix"`
	Extensions      []string `mapstructure:"extensions"`
	Concurrency     int      `mapstructure:"concurrency"`
	NotifyURL       string   `mapstructure:"notify_url"`
	HeartbeatSec    int      `mapstructure:"heartbeat_seconds"`
	DryRun          bool     `mapstructure:"dry_run"`

	Rate RateConfig `mapstructure:"rate"`
	Log  LogConfig  `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	// Keys need a default for AutomaticEnv to reach them through Unmarshal.
	for _, key := range []string{
		"input_dir", "output_dir", "no_wm_output_dir", "static_watermark",
		"ffmpeg_path", "ffprobe_path", "description", "notify_url",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("threshold_minutes", 30)
	v.SetDefault("max_file_size_gb", 3.8)
	v.SetDefault("default_video_bitrate", 12)
	v.SetDefault("target_audio_bitrate", 256)
	v.SetDefault("long_video_encoder", string(transcoder.FamilyHEVC))
	v.SetDefault("short_video_encoder", string(transcoder.FamilyHEVC))
	v.SetDefault("mode", ModeBoth)
	v.SetDefault("watermark_layout", transcoder.LayoutTopRight)
	v.SetDefault("output_prefix", "[Ani4KHUB] ")
	v.SetDefault("extensions", []string{"mkv", "mp4", "avi"})
	v.SetDefault("concurrency", 1)
	v.SetDefault("heartbeat_seconds", 30)
	v.SetDefault("dry_run", false)

	v.SetDefault("rate.min_video_bitrate", transcoder.DefaultMinVideoBitrate)
	v.SetDefault("rate.decay", transcoder.DefaultDecayFactor)
	v.SetDefault("rate.maxrate_factor", transcoder.DefaultMaxRateFactor)
	v.SetDefault("rate.bufsize_factor", transcoder.DefaultBufSizeFactor)
	v.SetDefault("rate.short_maxrate", int64(transcoder.DefaultShortMaxRate))
	v.SetDefault("rate.short_bufsize", int64(transcoder.DefaultShortBufSize))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.dir", "logs")
}

// Flags declares the command-line overrides. Flag names match config keys.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("encoder", pflag.ContinueOnError)
	fs.StringP("config", "c", "config.yaml", "path to the YAML config file")
	fs.String("input_dir", "", "directory with source videos")
	fs.String("output_dir", "", "directory for watermarked outputs")
	fs.String("no_wm_output_dir", "", "directory for outputs without watermark")
	fs.String("static_watermark", "", "watermark image")
	fs.StringP("mode", "m", "", "processing mode: both or watermark")
	fs.Int("concurrency", 0, "number of files encoded in parallel")
	fs.Bool("dry_run", false, "print ffmpeg commands without running them")
	fs.String("log.level", "", "log level: debug, info, warn, error")
	return fs
}

// LoadConfig merges defaults, the YAML file at path, WMENC_ environment
// variables and any flags that were set on fs (fs may be nil).
func LoadConfig(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix("WMENC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || !f.Changed || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(f.Name, f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the loaded values, makes paths absolute and creates the
// output directories. Any error here aborts the run before encoding starts.
func (c *Config) Validate() error {
	var errs []error
	required := map[string]*string{
		"input_dir":        &c.InputDir,
		"output_dir":       &c.OutputDir,
		"static_watermark": &c.StaticWatermark,
	}
	if c.Mode == ModeBoth {
		required["no_wm_output_dir"] = &c.NoWMOutputDir
	}
	for _, key := range []string{"input_dir", "output_dir", "no_wm_output_dir", "static_watermark"} {
		p, ok := required[key]
		if !ok {
			continue
		}
		if strings.TrimSpace(*p) == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		*p = abs
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if fi, err := os.Stat(c.InputDir); err != nil || !fi.IsDir() {
		errs = append(errs, fmt.Errorf("input_dir %s is not a directory", c.InputDir))
	}
	if fi, err := os.Stat(c.StaticWatermark); err != nil || fi.IsDir() {
		errs = append(errs, fmt.Errorf("static_watermark %s does not exist", c.StaticWatermark))
	}

	positive := []struct {
		key string
		v   float64
	}{
		{"threshold_minutes", c.ThresholdMinutes},
		{"max_file_size_gb", c.MaxFileSizeGB},
		{"default_video_bitrate", c.DefaultVideoBitrate},
		{"target_audio_bitrate", c.TargetAudioBitrate},
		{"rate.min_video_bitrate", float64(c.Rate.MinVideoBitrate)},
		{"rate.short_maxrate", float64(c.Rate.ShortMaxRate)},
		{"rate.short_bufsize", float64(c.Rate.ShortBufSize)},
	}
	for _, p := range positive {
		if p.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", p.key, p.v))
		}
	}
	if c.HeartbeatSec < 1 {
		errs = append(errs, fmt.Errorf("heartbeat_seconds must be at least 1, got %d", c.HeartbeatSec))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.Rate.Decay <= 0 || c.Rate.Decay >= 1 {
		errs = append(errs, fmt.Errorf("rate.decay must be in (0, 1), got %v", c.Rate.Decay))
	}
	if c.Rate.MaxRateFactor <= 1 {
		errs = append(errs, fmt.Errorf("rate.maxrate_factor must be greater than 1, got %v", c.Rate.MaxRateFactor))
	}
	if c.Rate.BufSizeFactor <= 1 {
		errs = append(errs, fmt.Errorf("rate.bufsize_factor must be greater than 1, got %v", c.Rate.BufSizeFactor))
	}
	if start := int64(c.DefaultVideoBitrate * 1_000_000); c.DefaultVideoBitrate > 0 && start < c.Rate.MinVideoBitrate {
		errs = append(errs, fmt.Errorf("default_video_bitrate %v Mbps is below rate.min_video_bitrate %d bps", c.DefaultVideoBitrate, c.Rate.MinVideoBitrate))
	}

	for _, enc := range []string{c.LongVideoEncoder, c.ShortVideoEncoder} {
		if _, err := transcoder.ParseFamily(enc); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Mode != ModeBoth && c.Mode != ModeWatermark {
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeBoth, ModeWatermark, c.Mode))
	}
	if c.WatermarkLayout != transcoder.LayoutTopRight && c.WatermarkLayout != transcoder.LayoutRightMiddle {
		errs = append(errs, fmt.Errorf("watermark_layout must be %q or %q, got %q",
			transcoder.LayoutTopRight, transcoder.LayoutRightMiddle, c.WatermarkLayout))
	}
	if len(c.Extensions) == 0 {
		errs = append(errs, errors.New("extensions must not be empty"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	dirs := []string{c.OutputDir}
	if c.Mode == ModeBoth {
		dirs = append(dirs, c.NoWMOutputDir)
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// EngineOptions maps the config onto the transcoder's options.
func (c *Config) EngineOptions() transcoder.Options {
	return transcoder.Options{
		FFmpegPath:       c.FFmpegPath,
		FFprobePath:      c.FFprobePath,
		WatermarkPath:    c.StaticWatermark,
		WatermarkLayout:  c.WatermarkLayout,
		Description:      c.Description,
		ThresholdMinutes: c.ThresholdMinutes,
		TargetSizeGB:     c.MaxFileSizeGB,
		DefaultBitrate:   int64(c.DefaultVideoBitrate * 1_000_000),
		AudioCeilingKbps: c.TargetAudioBitrate,
		LongEncoder:      c.LongVideoEncoder,
		ShortEncoder:     c.ShortVideoEncoder,
		Rate: transcoder.RateParams{
			MinVideoBitrateBps: c.Rate.MinVideoBitrate,
			DecayFactor:        c.Rate.Decay,
			MaxRateFactor:      c.Rate.MaxRateFactor,
			BufSizeFactor:      c.Rate.BufSizeFactor,
			AudioCeilingKbps:   c.TargetAudioBitrate,
		},
		ShortMaxRateBps: c.Rate.ShortMaxRate,
		ShortBufSize:    c.Rate.ShortBufSize,
		DryRun:          c.DryRun,
	}
}

// BatchOptions maps the directories and run shape onto the batch driver.
func (c *Config) BatchOptions() batch.Options {
	return batch.Options{
		InputDir:      c.InputDir,
		OutputDir:     c.OutputDir,
		NoWMOutputDir: c.NoWMOutputDir,
		Mode:          c.Mode,
		Prefix:        c.OutputPrefix,
		Extensions:    c.Extensions,
		Concurrency:   c.Concurrency,
	}
}

// LogOptions maps the log section onto logx.
func (c *Config) LogOptions() logx.Config {
	return logx.Config{
		Service: "watermark-encoder",
		Level:   c.Log.Level,
		Format:  c.Log.Format,
		Dir:     c.Log.Dir,
	}
}
