package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/pflag"

	"watermark-encoder/internal/batch"
	"watermark-encoder/internal/client"
	"watermark-encoder/internal/config"
	"watermark-encoder/internal/heartbeat"
	"watermark-encoder/internal/logx"
	"watermark-encoder/internal/monitor"
	"watermark-encoder/internal/transcoder"
	"watermark-encoder/internal/ui"
	"watermark-encoder/pkg/models"
)

var modeNames = map[string]string{
	config.ModeBoth:      "watermark + copy without watermark",
	config.ModeWatermark: "watermark only",
}

// newSessionID returns a time-sortable id shared by the session's log
// events and webhook reports.
func newSessionID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func main() {
	os.Exit(run())
}

func run() int {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	fs := config.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	path, _ := fs.GetString("config")

	cfg, err := config.LoadConfig(path, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	session, err := logx.Setup(cfg.LogOptions(), os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		return 1
	}
	defer session.Close()
	logger := session.Logger

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return 1
	}

	console := ui.NewConsole(os.Stdout)
	console.AppHeader()
	console.Modes(cfg.Mode, modeNames, []string{config.ModeBoth, config.ModeWatermark})

	sessionID := newSessionID(time.Now())
	logger = logger.With().Str("session", sessionID).Logger()
	logger.Info().Str("log_file", session.FilePath).Msg("session started")

	engine, err := transcoder.NewEngine(cfg.EngineOptions(), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize transcoder engine")
		return 1
	}

	// Catch SIGINT (Ctrl+C) and SIGTERM; running encodes are killed and their
	// partial outputs removed.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mon := monitor.NewSystemMonitor(engine.FFmpegPath)
	host, err := mon.GetHostInfo(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("host info unavailable")
	}
	for _, enc := range []string{cfg.LongVideoEncoder, cfg.ShortVideoEncoder} {
		if !mon.Supports(ctx, enc) {
			logger.Warn().Str("encoder", enc).Msg("encoder not listed by ffmpeg, encodes may fail")
		}
	}
	logger.Info().
		Str("host", host.Hostname).
		Str("cpu", host.CPUModel).
		Strs("capabilities", host.Capabilities).
		Str("ffmpeg", engine.FFmpegPath).
		Msg("encoder ready")

	reporter := client.NewReporter(cfg.NotifyURL, sessionID, logger)
	bars := cfg.Concurrency == 1 && !cfg.DryRun
	sinks := ui.NewSinkFactory(os.Stderr, bars)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := heartbeat.New(cfg.HeartbeatSec, engine, mon, bars, logger).Start(hbCtx)

	runner := batch.NewRunner(cfg.BatchOptions(), engine, mon, reporter, console, sinks.New, logger)

	started := time.Now()
	stats, runErr := runner.Run(ctx)
	stopHeartbeat()
	<-hbDone

	if reporter.Enabled() {
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := reporter.ReportSummary(rctx, models.BatchSummaryPayload{
			SessionID: sessionID,
			Host:      host,
			StartedAt: started,
			EndedAt:   time.Now(),
			Files:     stats.Files,
			Completed: stats.Completed,
			Skipped:   stats.Skipped,
			Failed:    stats.Failed + stats.ProbeErrors,
			Cancelled: stats.Cancelled,
		})
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("batch summary not delivered")
		}
	}

	switch {
	case runErr != nil:
		logger.Error().Err(runErr).Msg("batch aborted")
		console.Footer("Aborted")
		return 1
	case ctx.Err() != nil:
		logger.Warn().Msg("interrupted, shutting down")
		console.Footer("Interrupted")
		return 130
	}
	console.Footer("Done")
	logger.Debug().Dur("took", time.Since(started)).Msg("exit")
	return 0
}
