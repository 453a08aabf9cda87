package ui

import (
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"

	"watermark-encoder/internal/transcoder"
)

// ProgressBar renders encode progress in seconds of media, tqdm style.
// It satisfies transcoder.ProgressSink.
type ProgressBar struct {
	mu     sync.Mutex
	bar    *progressbar.ProgressBar
	w      io.Writer
	desc   string
	max    int64
	closed bool
}

var _ transcoder.ProgressSink = (*ProgressBar)(nil)

// NewProgressBar draws a bar of totalSeconds on w labelled desc.
func NewProgressBar(w io.Writer, desc string, totalSeconds float64) *ProgressBar {
	max := int64(totalSeconds)
	if max < 1 {
		max = 1
	}
	bar := progressbar.NewOptions64(max,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "▐",
			BarEnd:        "▌",
		}),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("s"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionSetRenderBlankState(true),
	)
	return &ProgressBar{bar: bar, w: w, desc: desc, max: max}
}

func (p *ProgressBar) Update(pr transcoder.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.bar.Describe(fmt.Sprintf("%s [%d fps]", p.desc, pr.FPS))
	_ = p.bar.Set64(min(int64(pr.ElapsedSeconds), p.max))
}

// Close fills the bar only when the media was fully processed; an aborted
// encode leaves it where it stopped.
func (p *ProgressBar) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var err error
	if p.bar.State().CurrentPercent >= 1 {
		err = p.bar.Finish()
	} else {
		err = p.bar.Exit()
	}
	fmt.Fprintln(p.w)
	return err
}

// SinkFactory hands out progress sinks for the engine. Bars are only drawn
// when a single file is encoded at a time; parallel bars would overwrite
// each other on one terminal.
type SinkFactory struct {
	w       io.Writer
	enabled bool
}

func NewSinkFactory(w io.Writer, enabled bool) *SinkFactory {
	return &SinkFactory{w: w, enabled: enabled}
}

// New matches transcoder.Request.NewSink.
func (f *SinkFactory) New(v transcoder.Variant, totalSeconds float64) transcoder.ProgressSink {
	if f == nil || !f.enabled {
		return nil
	}
	return NewProgressBar(f.w, "Encoding "+v.Kind.String(), totalSeconds)
}
