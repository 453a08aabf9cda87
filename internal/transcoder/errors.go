package transcoder

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure classes of a single file. Use errors.Is
// against these; the typed errors below carry the details.
var (
	ErrProbe              = errors.New("probe failed")
	ErrUnsupportedEncoder = errors.New("unsupported encoder family")
	ErrEncodeFailed       = errors.New("encode failed")
	ErrEncodeCancelled    = errors.New("encode cancelled")
)

// ProbeError is fatal for one input file only.
type ProbeError struct {
	Path    string
	Reason  string
	Command string
}

func (e *ProbeError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("probe %s: %s (command: %s)", e.Path, e.Reason, e.Command)
	}
	return fmt.Sprintf("probe %s: %s", e.Path, e.Reason)
}

func (e *ProbeError) Unwrap() error { return ErrProbe }

// CommandBuildError reports a configuration shape the builder cannot encode.
// It aborts the whole run before any subprocess is spawned.
type CommandBuildError struct {
	Encoder string
}

func (e *CommandBuildError) Error() string {
	return fmt.Sprintf("unsupported encoder %q (want %s or %s)", e.Encoder, FamilyHEVC, FamilyAV1)
}

func (e *CommandBuildError) Unwrap() error { return ErrUnsupportedEncoder }

// EncodeError is a non-zero exit of the encoder process.
type EncodeError struct {
	ExitCode int
	Command  string
	Stderr   string
	Err      error
}

func (e *EncodeError) Error() string {
	msg := fmt.Sprintf("ffmpeg exited with code %d: %s", e.ExitCode, e.Command)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EncodeError) Is(target error) bool { return target == ErrEncodeFailed }

func (e *EncodeError) Unwrap() error { return e.Err }
