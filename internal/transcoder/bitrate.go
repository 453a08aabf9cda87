package transcoder

import (
	"math"

	"github.com/rs/zerolog"

	"watermark-encoder/internal/logx"
)

const (
	bytesPerMB = 1024 * 1024
	bytesPerGB = 1024 * 1024 * 1024
	bitsPerMB  = 8 * bytesPerMB
)

// Canonical negotiation constants. Each one can be overridden via RateParams.
const (
	DefaultMinVideoBitrate = 1_000_000
	DefaultDecayFactor     = 0.99
	DefaultMaxRateFactor   = 1.2
	DefaultBufSizeFactor   = 1.6
	DefaultShortMaxRate    = 100_000_000
	DefaultShortBufSize    = 200_000_000
)

// RateProfile is the negotiated video bitrate plus its rate-control bounds.
// MaxRateBps == 0 means negotiation did not converge and VideoBitrateBps is
// the floor rate.
type RateProfile struct {
	VideoBitrateBps int64
	MaxRateBps      int64
	BufferSizeBytes int64
}

// Converged reports whether the size target was met.
func (r RateProfile) Converged() bool { return r.MaxRateBps > 0 }

// RateParams holds the tunables of the descent.
type RateParams struct {
	MinVideoBitrateBps int64
	DecayFactor        float64
	MaxRateFactor      float64
	BufSizeFactor      float64
	AudioCeilingKbps   float64
}

// DefaultRateParams returns the canonical constants with the given audio
// ceiling.
func DefaultRateParams(audioCeilingKbps float64) RateParams {
	return RateParams{
		MinVideoBitrateBps: DefaultMinVideoBitrate,
		DecayFactor:        DefaultDecayFactor,
		MaxRateFactor:      DefaultMaxRateFactor,
		BufSizeFactor:      DefaultBufSizeFactor,
		AudioCeilingKbps:   audioCeilingKbps,
	}
}

// Negotiator searches for the highest video bitrate whose estimated output
// fits the container size target. It holds no state between calls.
type Negotiator struct {
	params RateParams
	log    zerolog.Logger
}

// NewNegotiator fills unset params with the canonical defaults.
func NewNegotiator(p RateParams, log zerolog.Logger) *Negotiator {
	if p.MinVideoBitrateBps <= 0 {
		p.MinVideoBitrateBps = DefaultMinVideoBitrate
	}
	if p.DecayFactor <= 0 || p.DecayFactor >= 1 {
		p.DecayFactor = DefaultDecayFactor
	}
	if p.MaxRateFactor <= 1 {
		p.MaxRateFactor = DefaultMaxRateFactor
	}
	if p.BufSizeFactor <= 1 {
		p.BufSizeFactor = DefaultBufSizeFactor
	}
	return &Negotiator{params: p, log: log.With().Str("component", "bitrate").Logger()}
}

// Params returns the effective parameters.
func (n *Negotiator) Params() RateParams { return n.params }

// clampAudio applies the audio ceiling. A missing audio bitrate counts as
// the ceiling itself.
func (n *Negotiator) clampAudio(kbps float64) float64 {
	ceiling := n.params.AudioCeilingKbps
	if ceiling <= 0 {
		return math.Max(kbps, 0)
	}
	if kbps <= 0 || kbps > ceiling {
		return ceiling
	}
	return kbps
}

// EstimateSize returns the video and audio estimates in MB and the total in
// bytes for rate bps over duration seconds.
func (n *Negotiator) EstimateSize(rateBps int64, durationSec, audioKbps float64) (videoMB, audioMB, totalBytes float64) {
	audioKbps = n.clampAudio(audioKbps)
	videoMB = float64(rateBps) * durationSec / bitsPerMB
	audioMB = audioKbps * 1000 * durationSec / bitsPerMB
	totalBytes = (videoMB + audioMB) * bytesPerMB
	return videoMB, audioMB, totalBytes
}

// Bounds derives maxrate and bufsize for an accepted rate.
func (n *Negotiator) Bounds(rateBps int64) (maxRate, bufSize int64) {
	maxRate = int64(math.Round(float64(rateBps) * n.params.MaxRateFactor))
	bufSize = int64(math.Round(float64(maxRate) * n.params.BufSizeFactor))
	return maxRate, bufSize
}

// Negotiate steps the rate down by DecayFactor until the estimate fits
// targetGB or the floor is reached. On the floor it returns (rate, 0, 0).
func (n *Negotiator) Negotiate(durationSec, audioKbps, targetGB float64, startBps int64) RateProfile {
	targetBytes := targetGB * bytesPerGB
	rate := startBps

	for rate > n.params.MinVideoBitrateBps {
		videoMB, audioMB, total := n.EstimateSize(rate, durationSec, audioKbps)
		if total <= targetBytes {
			maxRate, bufSize := n.Bounds(rate)
			logx.Success(n.log).
				Int64("video_bps", rate).
				Int64("maxrate_bps", maxRate).
				Int64("bufsize", bufSize).
				Msgf("bitrate optimized: %.2f Mbps", float64(rate)/1e6)
			return RateProfile{VideoBitrateBps: rate, MaxRateBps: maxRate, BufferSizeBytes: bufSize}
		}

		rate = int64(math.Floor(float64(rate) * n.params.DecayFactor))
		n.log.Warn().
			Float64("estimate_gb", total/bytesPerGB).
			Float64("video_mb", videoMB).
			Float64("audio_mb", audioMB).
			Int64("next_bps", rate).
			Msgf("estimated %.2f GB exceeds %.2f GB, lowering bitrate to %.2f Mbps",
				total/bytesPerGB, targetGB, float64(rate)/1e6)
	}

	n.log.Error().
		Int64("video_bps", rate).
		Int64("floor_bps", n.params.MinVideoBitrateBps).
		Msg("minimum bitrate reached, output may exceed the size target")
	return RateProfile{VideoBitrateBps: rate}
}

// RatePlan carries the inputs PlanRates needs from configuration.
type RatePlan struct {
	ThresholdMinutes    float64
	TargetSizeGB        float64
	DefaultVideoBitrate int64 // bps
	ShortMaxRateBps     int64
	ShortBufSizeBytes   int64
}

// PlanRates negotiates only for media longer than the threshold; shorter
// media gets the default rate with fixed wide bounds.
func (n *Negotiator) PlanRates(meta *MediaMetadata, p RatePlan) RateProfile {
	if meta.DurationSeconds/60 > p.ThresholdMinutes {
		n.log.Info().
			Float64("threshold_min", p.ThresholdMinutes).
			Msg("media exceeds threshold, negotiating bitrate")
		return n.Negotiate(meta.DurationSeconds, meta.AudioBitrateKbps, p.TargetSizeGB, p.DefaultVideoBitrate)
	}

	maxRate, bufSize := p.ShortMaxRateBps, p.ShortBufSizeBytes
	if maxRate <= 0 {
		maxRate = DefaultShortMaxRate
	}
	if bufSize <= 0 {
		bufSize = DefaultShortBufSize
	}
	n.log.Info().
		Float64("threshold_min", p.ThresholdMinutes).
		Int64("video_bps", p.DefaultVideoBitrate).
		Msg("media below threshold, using default bitrate")
	return RateProfile{VideoBitrateBps: p.DefaultVideoBitrate, MaxRateBps: maxRate, BufferSizeBytes: bufSize}
}
