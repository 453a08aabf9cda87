package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"watermark-encoder/internal/logx"
)

// Options is the slice of configuration the engine consumes.
type Options struct {
	FFmpegPath       string
	FFprobePath      string
	WatermarkPath    string
	WatermarkLayout  string
	Description      string
	ThresholdMinutes float64
	TargetSizeGB     float64
	DefaultBitrate   int64 // bps
	AudioCeilingKbps float64
	LongEncoder      string
	ShortEncoder     string
	Rate             RateParams
	ShortMaxRateBps  int64
	ShortBufSize     int64
	DryRun           bool
}

// Engine runs the probe → negotiate → build → supervise path for one file.
type Engine struct {
	FFmpegPath  string
	FFprobePath string

	opts       Options
	prober     *Prober
	negotiator *Negotiator
	supervisor *Supervisor
	log        zerolog.Logger

	active sync.Map // job id -> ActiveJob
}

// NewEngine resolves the ffmpeg and ffprobe binaries and checks that both
// configured encoders are supported. Empty paths are looked up on PATH.
func NewEngine(opts Options, log zerolog.Logger) (*Engine, error) {
	ffmpeg, err := resolveBinary(opts.FFmpegPath, "ffmpeg")
	if err != nil {
		return nil, err
	}
	ffprobe, err := resolveBinary(opts.FFprobePath, siblingProbe(ffmpeg))
	if err != nil {
		return nil, err
	}
	return newEngine(ffmpeg, ffprobe, opts, log)
}

func newEngine(ffmpeg, ffprobe string, opts Options, log zerolog.Logger) (*Engine, error) {
	if _, err := ParseFamily(opts.LongEncoder); err != nil {
		return nil, err
	}
	if _, err := ParseFamily(opts.ShortEncoder); err != nil {
		return nil, err
	}
	opts.FFmpegPath, opts.FFprobePath = ffmpeg, ffprobe
	if opts.Rate.AudioCeilingKbps <= 0 {
		opts.Rate.AudioCeilingKbps = opts.AudioCeilingKbps
	}

	return &Engine{
		FFmpegPath:  ffmpeg,
		FFprobePath: ffprobe,
		opts:        opts,
		prober:      NewProber(ffprobe, opts.AudioCeilingKbps, log),
		negotiator:  NewNegotiator(opts.Rate, log),
		supervisor:  NewSupervisor(log),
		log:         log,
	}, nil
}

func resolveBinary(configured, fallback string) (string, error) {
	name := configured
	if name == "" {
		name = fallback
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s binary not found: %w", name, err)
	}
	return path, nil
}

// siblingProbe guesses ffprobe next to an explicitly located ffmpeg.
func siblingProbe(ffmpeg string) string {
	dir, base := filepath.Split(ffmpeg)
	if base == "ffmpeg.exe" {
		return filepath.Join(dir, "ffprobe.exe")
	}
	if dir != "" {
		return filepath.Join(dir, "ffprobe")
	}
	return "ffprobe"
}

// ActiveJob is an encode in flight.
type ActiveJob struct {
	Job     *Job
	Input   string
	Variant Variant
}

// Active returns the running encodes ordered by job id.
func (e *Engine) Active() []ActiveJob {
	var jobs []ActiveJob
	e.active.Range(func(_, v any) bool {
		jobs = append(jobs, v.(ActiveJob))
		return true
	})
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Job.ID < jobs[k].Job.ID })
	return jobs
}

// Variant is one output to produce from an input.
type Variant struct {
	Kind       ProfileKind
	OutputPath string
}

// Request is one input file and the outputs wanted from it.
type Request struct {
	InputPath string
	Variants  []Variant
	// NewSink returns the progress display for a variant; nil means none.
	NewSink func(v Variant, totalSeconds float64) ProgressSink
}

// Result describes what happened to one variant.
type Result struct {
	JobID   string
	Variant Variant
	Skipped bool
	DryRun  bool // command built, not executed
	Profile EncodeProfile
	Rates   RateProfile
	Command Command
	Outcome Outcome
}

// Err returns the variant's terminal error, if any.
func (r Result) Err() error {
	if r.Skipped {
		return nil
	}
	return r.Outcome.Err
}

// Process handles every variant of req in order. It returns a *ProbeError
// when the input cannot be probed, and a *CommandBuildError when the
// profile cannot be built; encode failures are reported per Result.
func (e *Engine) Process(ctx context.Context, req Request) ([]Result, error) {
	log := e.log.With().Str("input", filepath.Base(req.InputPath)).Logger()

	pending := make([]Variant, 0, len(req.Variants))
	results := make([]Result, 0, len(req.Variants))
	for _, v := range req.Variants {
		if exists(v.OutputPath) {
			log.Info().Str("output", v.OutputPath).Str("kind", v.Kind.String()).Msg("output exists, skipped")
			results = append(results, Result{Variant: v, Skipped: true})
			continue
		}
		pending = append(pending, v)
	}
	if len(pending) == 0 {
		return results, nil
	}
	if ctx.Err() != nil {
		return append(results, notStarted(log, pending)...), nil
	}

	meta, err := e.prober.Probe(ctx, req.InputPath)
	if err != nil {
		log.Error().Err(err).Msg("cannot read media metadata")
		return results, err
	}

	rates := e.negotiator.PlanRates(meta, RatePlan{
		ThresholdMinutes:    e.opts.ThresholdMinutes,
		TargetSizeGB:        e.opts.TargetSizeGB,
		DefaultVideoBitrate: e.opts.DefaultBitrate,
		ShortMaxRateBps:     e.opts.ShortMaxRateBps,
		ShortBufSizeBytes:   e.opts.ShortBufSize,
	})
	if !rates.Converged() {
		log.Warn().Int64("video_bps", rates.VideoBitrateBps).Msg("bitrate did not converge, encoding at floor rate")
	}

	audio := meta.AudioBitrateKbps
	if audio <= 0 {
		audio = e.opts.AudioCeilingKbps
	}

	for i, v := range pending {
		if ctx.Err() != nil {
			results = append(results, notStarted(log, pending[i:])...)
			break
		}
		res, err := e.encodeVariant(ctx, log, req, v, meta, rates, audio)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) encodeVariant(ctx context.Context, log zerolog.Logger, req Request, v Variant, meta *MediaMetadata, rates RateProfile, audioKbps float64) (Result, error) {
	res := Result{JobID: uuid.NewString(), Variant: v, Rates: rates}

	profile, err := SelectProfile(v.Kind, meta.DurationSeconds, e.opts.ThresholdMinutes, e.opts.LongEncoder, e.opts.ShortEncoder)
	if err != nil {
		return res, err
	}
	res.Profile = profile

	wm := ""
	if v.Kind == KindWatermarked {
		wm = e.opts.WatermarkPath
	}
	cmd, err := BuildCommand(BuildInput{
		FFmpegPath:       e.FFmpegPath,
		Profile:          profile,
		Metadata:         meta,
		Rates:            rates,
		AudioBitrateKbps: audioKbps,
		InputPath:        req.InputPath,
		WatermarkPath:    wm,
		WatermarkLayout:  e.opts.WatermarkLayout,
		OutputPath:       v.OutputPath,
		Description:      e.opts.Description,
	})
	if err != nil {
		return res, err
	}
	res.Command = cmd

	log = log.With().Str("job", res.JobID).Str("kind", v.Kind.String()).Str("encoder", string(profile.Family)).Logger()
	log.Info().Str("output", filepath.Base(v.OutputPath)).Msg("encoding started")
	log.Debug().Str("command", cmd.String()).Msg("ffmpeg command")

	if e.opts.DryRun {
		logx.Success(log).Str("command", cmd.String()).Msg("dry run, not executed")
		res.DryRun = true
		res.Outcome = Outcome{State: StateSucceeded, Command: cmd.String()}
		return res, nil
	}

	if err := os.MkdirAll(filepath.Dir(v.OutputPath), 0o755); err != nil {
		return res, fmt.Errorf("create output dir: %w", err)
	}

	var sink ProgressSink
	if req.NewSink != nil {
		sink = req.NewSink(v, meta.DurationSeconds)
	}
	job, err := e.supervisor.Start(ctx, res.JobID, cmd, meta.DurationSeconds, sink)
	if err != nil {
		res.Outcome = startFailure(cmd, err)
	} else {
		e.active.Store(res.JobID, ActiveJob{Job: job, Input: req.InputPath, Variant: v})
		res.Outcome = job.Wait()
		e.active.Delete(res.JobID)
	}

	switch res.Outcome.State {
	case StateSucceeded:
		logx.Success(log).Dur("took", res.Outcome.Duration).Msg("encoding finished")
	case StateCancelled:
		log.Warn().Str("command", res.Outcome.Command).Msg("encoding cancelled")
		removePartial(log, v.OutputPath)
	default:
		log.Error().
			Int("exit_code", res.Outcome.ExitCode).
			Str("command", res.Outcome.Command).
			Str("stderr", res.Outcome.StderrTail).
			Msg("encoding failed")
		removePartial(log, v.OutputPath)
	}
	return res, nil
}

// notStarted returns cancelled results for variants the run never reached.
func notStarted(log zerolog.Logger, vs []Variant) []Result {
	out := make([]Result, 0, len(vs))
	for _, v := range vs {
		log.Warn().Str("output", filepath.Base(v.OutputPath)).Str("kind", v.Kind.String()).Msg("encoding cancelled before start")
		out = append(out, Result{
			JobID:   uuid.NewString(),
			Variant: v,
			Outcome: Outcome{
				State:    StateCancelled,
				ExitCode: -1,
				Err:      fmt.Errorf("%w: not started", ErrEncodeCancelled),
			},
		})
	}
	return out
}

// removePartial deletes an unfinished output so the next run does not skip it.
func removePartial(log zerolog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("output", path).Msg("cannot remove partial output")
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
