package transcoder

import (
	"bufio"
	"bytes"
	"io"
	"regexp"
	"strconv"
	"strings"
)

var (
	reTimeLong  = regexp.MustCompile(`time=(\d+):(\d+):(\d+(?:\.\d+)?)`)
	reTimeShort = regexp.MustCompile(`time=(\d+):(\d+(?:\.\d+)?)`)
	reFPS       = regexp.MustCompile(`fps\s*=\s*(\d+)`)
)

// Progress is a snapshot of a running encode.
type Progress struct {
	ElapsedSeconds int
	FPS            int
}

// ParseStatusLine extracts elapsed seconds and fps from one ffmpeg status
// line. ok* report which of the two were present.
func ParseStatusLine(line string) (elapsed float64, okTime bool, fps int, okFPS bool) {
	norm := strings.ReplaceAll(line, ",", ".")

	if m := reTimeLong.FindStringSubmatch(norm); m != nil {
		h, _ := strconv.ParseFloat(m[1], 64)
		mi, _ := strconv.ParseFloat(m[2], 64)
		s, _ := strconv.ParseFloat(m[3], 64)
		elapsed, okTime = h*3600+mi*60+s, true
	} else if m := reTimeShort.FindStringSubmatch(norm); m != nil {
		mi, _ := strconv.ParseFloat(m[1], 64)
		s, _ := strconv.ParseFloat(m[2], 64)
		elapsed, okTime = mi*60+s, true
	}

	if m := reFPS.FindStringSubmatch(line); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			fps, okFPS = v, true
		}
	}
	return elapsed, okTime, fps, okFPS
}

// scanStatusLines splits on '\n' or '\r'; ffmpeg rewrites its stats line
// with carriage returns.
func scanStatusLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// ProgressScanner turns an ffmpeg status stream into progress snapshots.
// Lines without a time or fps field are skipped.
type ProgressScanner struct {
	sc    *bufio.Scanner
	total float64
	cur   Progress
	line  string
}

// NewProgressScanner reads r; elapsed values are clamped to [0, total].
func NewProgressScanner(r io.Reader, totalSeconds float64) *ProgressScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sc.Split(scanStatusLines)
	return &ProgressScanner{sc: sc, total: totalSeconds}
}

// Scan advances to the next line that changed the snapshot. It returns
// false at end of input or on a read error.
func (p *ProgressScanner) Scan() bool {
	for p.sc.Scan() {
		p.line = p.sc.Text()
		elapsed, okTime, fps, okFPS := ParseStatusLine(p.line)
		if !okTime && !okFPS {
			continue
		}
		if okTime {
			p.cur.ElapsedSeconds = clampElapsed(elapsed, p.total)
		}
		if okFPS {
			p.cur.FPS = fps
		}
		return true
	}
	return false
}

// Progress returns the current snapshot.
func (p *ProgressScanner) Progress() Progress { return p.cur }

// Line returns the raw line behind the last Scan.
func (p *ProgressScanner) Line() string { return p.line }

// Err returns the first non-EOF read error.
func (p *ProgressScanner) Err() error { return p.sc.Err() }

func clampElapsed(v, total float64) int {
	if v < 0 {
		v = 0
	}
	if total > 0 && v > total {
		v = total
	}
	return int(v)
}
