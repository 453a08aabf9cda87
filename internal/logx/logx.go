// Package logx wires zerolog for the encoder: console or JSON on stdout plus
// a per-session log file rotated by lumberjack.
package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level, output format and where the session file goes.
type Config struct {
	Service string // written as "svc" on every event
	Level   string // debug|info|warn|error
	Format  string // console|json
	Dir     string // session log directory ("" = no file)

	FileMaxSizeMB  int
	FileMaxBackups int
	FileMaxAgeDays int
	FileCompress   bool
}

// Session is the configured logger plus the file it writes to.
type Session struct {
	Logger   zerolog.Logger
	FilePath string
	file     io.Closer
}

// SessionFileName returns the file name used for a session started at t.
func SessionFileName(t time.Time) string {
	return fmt.Sprintf("encode_session_%s.log", t.Format("2006-01-02_15-04-05"))
}

// Setup builds the logger, replaces zerolog's global logger with it and
// returns the session. Call Close when the run ends.
func Setup(c Config, stdout io.Writer) (*Session, error) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil || c.Level == "" {
		lvl = zerolog.InfoLevel
	}
	if stdout == nil {
		stdout = os.Stdout
	}

	var writers []io.Writer
	if c.Format == "json" {
		writers = append(writers, stdout)
	} else {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        stdout,
			TimeFormat: "2006-01-02 15:04:05",
		})
	}

	s := &Session{}
	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		s.FilePath = filepath.Join(c.Dir, SessionFileName(time.Now()))
		lj := &lumberjack.Logger{
			Filename:   s.FilePath,
			MaxSize:    orDefault(c.FileMaxSizeMB, 50),
			MaxBackups: orDefault(c.FileMaxBackups, 3),
			MaxAge:     orDefault(c.FileMaxAgeDays, 7),
			Compress:   c.FileCompress,
		}
		s.file = lj
		writers = append(writers, lj)
	}

	s.Logger = zerolog.New(io.MultiWriter(writers...)).Level(lvl).With().
		Timestamp().
		Str("svc", c.Service).
		Logger()
	log.Logger = s.Logger
	return s, nil
}

// Close flushes and closes the session file, if any.
func (s *Session) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Success starts an info-level event marked as a successful outcome.
func Success(l zerolog.Logger) *zerolog.Event {
	return l.Info().Str("status", "success")
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
