package heartbeat

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"watermark-encoder/internal/transcoder"
	"watermark-encoder/pkg/models"
)

// JobSource lists the encodes currently running.
type JobSource interface {
	Active() []transcoder.ActiveJob
}

// StatsSource samples host load.
type StatsSource interface {
	GetStats(ctx context.Context) (models.HostStats, error)
}

// Service periodically logs the progress of running encodes and the host
// load. It replaces the progress bars when those are off.
type Service struct {
	interval time.Duration
	jobs     JobSource
	stats    StatsSource
	log      zerolog.Logger
	level    zerolog.Level
}

// New creates a heartbeat service. stats may be nil. With quiet set the
// events go out at debug level.
func New(intervalSec int, jobs JobSource, stats StatsSource, quiet bool, log zerolog.Logger) *Service {
	if intervalSec <= 0 {
		intervalSec = 30
	}
	level := zerolog.InfoLevel
	if quiet {
		level = zerolog.DebugLevel
	}
	return &Service{
		interval: time.Duration(intervalSec) * time.Second,
		jobs:     jobs,
		stats:    stats,
		log:      log.With().Str("component", "heartbeat").Logger(),
		level:    level,
	}
}

// Start launches the heartbeat loop in the background; it stops with ctx.
// The returned channel is closed once the loop has exited.
func (s *Service) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(s.interval)

	go func() {
		defer close(done)
		defer ticker.Stop()
		s.log.Debug().Dur("interval", s.interval).Msg("heartbeat started")

		for {
			select {
			case <-ctx.Done():
				s.log.Debug().Msg("heartbeat stopped")
				return
			case <-ticker.C:
				s.beat(ctx)
			}
		}
	}()
	return done
}

func (s *Service) beat(ctx context.Context) {
	for _, a := range s.jobs.Active() {
		p := a.Job.Snapshot()
		pct := 0.0
		if total := a.Job.Total(); total > 0 {
			pct = float64(p.ElapsedSeconds) / total * 100
		}
		s.log.WithLevel(s.level).
			Str("job", a.Job.ID).
			Str("input", filepath.Base(a.Input)).
			Str("kind", a.Variant.Kind.String()).
			Int("elapsed_s", p.ElapsedSeconds).
			Int("fps", p.FPS).
			Float64("percent", pct).
			Msg("encoding progress")
	}

	if s.stats == nil {
		return
	}
	hs, err := s.stats.GetStats(ctx)
	if err != nil {
		s.log.Debug().Err(err).Msg("host stats unavailable")
		return
	}
	s.log.Debug().
		Float64("cpu_pct", hs.CPUPercent).
		Float64("ram_pct", hs.RAMPercent).
		Bool("busy", hs.IsBusy).
		Msg("host load")
}
