// Package batch walks the input directory and feeds every video through the
// transcoder engine.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"watermark-encoder/internal/logx"
	"watermark-encoder/internal/transcoder"
	"watermark-encoder/pkg/models"
)

const (
	ModeBoth      = "both"
	ModeWatermark = "watermark"

	SuffixWatermarked = "_watermarked.mp4"
	SuffixPlain       = "_wwm.mp4"
)

// Processor runs every variant of one input.
type Processor interface {
	Process(ctx context.Context, req transcoder.Request) ([]transcoder.Result, error)
}

// HostMonitor samples host load before each file.
type HostMonitor interface {
	GetStats(ctx context.Context) (models.HostStats, error)
}

// Reporter receives one payload per finished variant.
type Reporter interface {
	ReportJob(ctx context.Context, p models.JobResultPayload) error
}

// Announcer prints a header when a file starts.
type Announcer interface {
	FileHeader(name string)
}

type Options struct {
	InputDir      string
	OutputDir     string
	NoWMOutputDir string
	Mode          string
	Prefix        string
	Extensions    []string
	Concurrency   int
}

// Stats counts outcomes per variant; Files counts inputs.
type Stats struct {
	Files       int
	Completed   int
	Skipped     int
	Failed      int
	Cancelled   int
	ProbeErrors int
	Planned     int // dry-run commands, never executed
}

type Runner struct {
	opts     Options
	engine   Processor
	monitor  HostMonitor
	reporter Reporter
	console  Announcer
	newSink  func(transcoder.Variant, float64) transcoder.ProgressSink
	log      zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

// NewRunner wires the batch. monitor, reporter, console and newSink may be nil.
func NewRunner(opts Options, engine Processor, monitor HostMonitor, reporter Reporter, console Announcer,
	newSink func(transcoder.Variant, float64) transcoder.ProgressSink, log zerolog.Logger) *Runner {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Runner{
		opts:     opts,
		engine:   engine,
		monitor:  monitor,
		reporter: reporter,
		console:  console,
		newSink:  newSink,
		log:      log.With().Str("component", "batch").Logger(),
	}
}

// Discover lists the regular files in dir whose extension is in exts
// (case-insensitive, with or without the dot), sorted by name.
func Discover(dir string, exts []string) ([]string, error) {
	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		allowed["."+strings.TrimPrefix(strings.ToLower(e), ".")] = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read input dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if allowed[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// OutputName builds "<prefix><base><suffix>" for input.
func OutputName(prefix, input, suffix string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return prefix + base + suffix
}

// Variants returns the outputs wanted for input in the configured mode.
func (o Options) Variants(input string) []transcoder.Variant {
	vs := []transcoder.Variant{{
		Kind:       transcoder.KindWatermarked,
		OutputPath: filepath.Join(o.OutputDir, OutputName(o.Prefix, input, SuffixWatermarked)),
	}}
	if o.Mode == ModeBoth {
		vs = append(vs, transcoder.Variant{
			Kind:       transcoder.KindPlain,
			OutputPath: filepath.Join(o.NoWMOutputDir, OutputName(o.Prefix, input, SuffixPlain)),
		})
	}
	return vs
}

// Run processes every discovered file. Per-file failures are counted and
// logged; only an unsupported encoder or a failed discovery stops the run.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	files, err := Discover(r.opts.InputDir, r.opts.Extensions)
	if err != nil {
		return Stats{}, err
	}
	if len(files) == 0 {
		r.log.Info().Str("dir", r.opts.InputDir).Msg("No files found for processing")
		return Stats{}, nil
	}
	r.log.Info().Int("files", len(files)).Str("mode", r.opts.Mode).Int("concurrency", r.opts.Concurrency).Msg("batch started")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, f := range files {
		f := f
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return r.processFile(gctx, f)
		})
	}
	err = g.Wait()

	r.mu.Lock()
	stats := r.stats
	r.mu.Unlock()

	ev := logx.Success(r.log)
	if stats.Failed > 0 || stats.ProbeErrors > 0 {
		ev = r.log.Warn()
	}
	ev.Int("files", stats.Files).
		Int("completed", stats.Completed).
		Int("skipped", stats.Skipped).
		Int("failed", stats.Failed).
		Int("probe_errors", stats.ProbeErrors).
		Int("cancelled", stats.Cancelled).
		Int("planned", stats.Planned).
		Msg("batch finished")
	return stats, err
}

func (r *Runner) processFile(ctx context.Context, input string) error {
	if ctx.Err() != nil {
		return nil
	}
	r.count(func(s *Stats) { s.Files++ })
	if r.console != nil {
		r.console.FileHeader(filepath.Base(input))
	}
	r.logHostStats(ctx)

	started := time.Now()
	results, err := r.engine.Process(ctx, transcoder.Request{
		InputPath: input,
		Variants:  r.opts.Variants(input),
		NewSink:   r.newSink,
	})
	for _, res := range results {
		r.record(ctx, input, res, time.Since(started))
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transcoder.ErrProbe):
		r.count(func(s *Stats) { s.ProbeErrors++ })
		r.log.Error().Err(err).Str("input", filepath.Base(input)).Msg("file skipped, metadata unreadable")
		return nil
	case errors.Is(err, transcoder.ErrUnsupportedEncoder):
		return err
	default:
		r.count(func(s *Stats) { s.Failed++ })
		r.log.Error().Err(err).Str("input", filepath.Base(input)).Msg("file failed")
		return nil
	}
}

func (r *Runner) logHostStats(ctx context.Context) {
	if r.monitor == nil {
		return
	}
	hs, err := r.monitor.GetStats(ctx)
	if err != nil {
		r.log.Debug().Err(err).Msg("host stats unavailable")
		return
	}
	ev := r.log.Debug()
	if hs.IsBusy {
		ev = r.log.Warn()
	}
	ev.Float64("cpu_pct", hs.CPUPercent).
		Float64("ram_pct", hs.RAMPercent).
		Float64("ram_free_gb", hs.RAMAvailableGB).
		Bool("busy", hs.IsBusy).
		Msg("host load")
}

func (r *Runner) record(ctx context.Context, input string, res transcoder.Result, took time.Duration) {
	if res.DryRun {
		r.count(func(s *Stats) { s.Planned++ })
		return
	}
	p := models.JobResultPayload{
		JobID:   res.JobID,
		Input:   filepath.Base(input),
		Output:  res.Variant.OutputPath,
		Variant: res.Variant.Kind.String(),
		Encoder: string(res.Profile.Family),
	}
	switch {
	case res.Skipped:
		p.Status = models.StatusSkipped
		r.count(func(s *Stats) { s.Skipped++ })
	case res.Outcome.State == transcoder.StateSucceeded:
		p.Status = models.StatusCompleted
		r.count(func(s *Stats) { s.Completed++ })
	case res.Outcome.State == transcoder.StateCancelled:
		p.Status = models.StatusCancelled
		r.count(func(s *Stats) { s.Cancelled++ })
	default:
		p.Status = models.StatusFailed
		p.ExitCode = res.Outcome.ExitCode
		if e := res.Err(); e != nil {
			p.ErrorMsg = e.Error()
		}
		r.count(func(s *Stats) { s.Failed++ })
	}
	p.Metrics.TotalTimeMS = res.Outcome.Duration.Milliseconds()
	if p.Metrics.TotalTimeMS == 0 && !res.Skipped {
		p.Metrics.TotalTimeMS = took.Milliseconds()
	}
	p.Metrics.VideoBitrate = res.Rates.VideoBitrateBps
	p.Metrics.MaxRate = res.Rates.MaxRateBps
	p.Metrics.BufferSize = res.Rates.BufferSizeBytes
	p.Metrics.SizeConverged = res.Rates.Converged()

	if r.reporter == nil {
		return
	}
	// Report even when the run is being cancelled.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := r.reporter.ReportJob(rctx, p); err != nil {
		r.log.Warn().Err(err).Str("job", p.JobID).Msg("job report not delivered")
	}
}

func (r *Runner) count(f func(*Stats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(&r.stats)
}
