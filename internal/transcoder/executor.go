package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// JobState is the lifecycle of an encode job. The last three are terminal.
type JobState int32

const (
	StateIdle JobState = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s JobState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Outcome is the terminal result of a job.
type Outcome struct {
	State      JobState
	ExitCode   int
	Command    string
	StderrTail string
	Duration   time.Duration
	Err        error // nil on success, otherwise matches ErrEncodeFailed or ErrEncodeCancelled
}

// ProgressSink receives progress snapshots for display. Close is called
// exactly once when the job ends, whatever the outcome.
type ProgressSink interface {
	Update(Progress)
	Close() error
}

type nopSink struct{}

func (nopSink) Update(Progress) {}
func (nopSink) Close() error    { return nil }

const (
	defaultTailLines = 20
	defaultWaitDelay = 10 * time.Second
)

// Supervisor launches encoder processes and watches them.
type Supervisor struct {
	log       zerolog.Logger
	tailLines int
	waitDelay time.Duration
}

// NewSupervisor returns a Supervisor logging through log.
func NewSupervisor(log zerolog.Logger) *Supervisor {
	return &Supervisor{
		log:       log.With().Str("component", "supervisor").Logger(),
		tailLines: defaultTailLines,
		waitDelay: defaultWaitDelay,
	}
}

// Job is one running encoder process. The progress fields are written only
// by the job's reader goroutine and read atomically by anyone.
type Job struct {
	ID      string
	command Command
	total   float64

	state   atomic.Int32
	elapsed atomic.Int64
	fps     atomic.Int64

	cancel    context.CancelFunc
	requested atomic.Bool
	done      chan struct{}
	outcome   Outcome
}

// State returns the current state.
func (j *Job) State() JobState { return JobState(j.state.Load()) }

// Snapshot returns the latest progress.
func (j *Job) Snapshot() Progress {
	return Progress{ElapsedSeconds: int(j.elapsed.Load()), FPS: int(j.fps.Load())}
}

// Total returns the media duration progress is measured against.
func (j *Job) Total() float64 { return j.total }

// Command returns the command the job runs.
func (j *Job) Command() Command { return j.command }

// Cancel asks the job to stop. The child is killed and the outcome becomes
// Cancelled.
func (j *Job) Cancel() {
	j.requested.Store(true)
	j.cancel()
}

// Done is closed once the outcome is available.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job ends and returns its outcome.
func (j *Job) Wait() Outcome {
	<-j.done
	return j.outcome
}

// Run starts cmd and waits for it.
func (s *Supervisor) Run(ctx context.Context, id string, cmd Command, totalSeconds float64, sink ProgressSink) Outcome {
	job, err := s.Start(ctx, id, cmd, totalSeconds, sink)
	if err != nil {
		return startFailure(cmd, err)
	}
	return job.Wait()
}

// startFailure is the outcome of a process that never ran.
func startFailure(cmd Command, err error) Outcome {
	return Outcome{
		State:    StateFailed,
		ExitCode: -1,
		Command:  cmd.String(),
		Err:      &EncodeError{ExitCode: -1, Command: cmd.String(), Err: err},
	}
}

// Start spawns cmd with stdin detached and its stderr feeding the progress
// reader. It returns once the process is running.
func (s *Supervisor) Start(ctx context.Context, id string, cmd Command, totalSeconds float64, sink ProgressSink) (*Job, error) {
	if sink == nil {
		sink = nopSink{}
	}
	jobCtx, cancel := context.WithCancel(ctx)

	c := exec.CommandContext(jobCtx, cmd.Path, cmd.Args...)
	c.Stdin = nil
	c.WaitDelay = s.waitDelay

	stderr, err := c.StderrPipe()
	if err != nil {
		cancel()
		_ = sink.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	job := &Job{
		ID:      id,
		command: cmd,
		total:   totalSeconds,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	if err := c.Start(); err != nil {
		cancel()
		_ = sink.Close()
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	job.state.Store(int32(StateRunning))
	s.log.Debug().Str("job", id).Int("pid", c.Process.Pid).Msg("encoder started")

	tail := newTailBuffer(s.tailLines)
	go s.supervise(ctx, job, c, stderr, tail, sink)
	return job, nil
}

// supervise is the job's only writer. The deferred block runs on every path,
// a panic in the reader included: it closes the sink, kills a live child and
// publishes the outcome.
func (s *Supervisor) supervise(parent context.Context, job *Job, c *exec.Cmd, stderr io.Reader, tail *tailBuffer, sink ProgressSink) {
	start := time.Now()
	var waitErr error
	waited := false

	defer func() {
		if r := recover(); r != nil {
			waitErr = fmt.Errorf("progress reader panic: %v", r)
			waited = false
		}
		job.cancel()
		if !waited {
			_ = c.Wait()
		}
		if err := sink.Close(); err != nil {
			s.log.Debug().Err(err).Str("job", job.ID).Msg("close progress sink")
		}
		job.outcome = s.classify(parent, job, c, waitErr, tail)
		job.outcome.Duration = time.Since(start)
		job.state.Store(int32(job.outcome.State))
		close(job.done)
	}()

	ps := NewProgressScanner(io.TeeReader(stderr, tail), job.total)
	for ps.Scan() {
		p := ps.Progress()
		job.elapsed.Store(int64(p.ElapsedSeconds))
		job.fps.Store(int64(p.FPS))
		sink.Update(p)
	}
	if err := ps.Err(); err != nil {
		s.log.Debug().Err(err).Str("job", job.ID).Msg("status stream read error")
		// Keep the pipe drained or a child still writing never exits.
		_, _ = io.Copy(io.Discard, stderr)
	}

	// The stream closing does not mean the child is done; wait for it.
	waitErr = c.Wait()
	waited = true
}

func (s *Supervisor) classify(parent context.Context, job *Job, c *exec.Cmd, waitErr error, tail *tailBuffer) Outcome {
	out := Outcome{Command: job.command.String(), StderrTail: tail.String()}

	if job.requested.Load() || parent.Err() != nil {
		out.State = StateCancelled
		out.ExitCode = -1
		out.Err = fmt.Errorf("%w: %s", ErrEncodeCancelled, out.Command)
		return out
	}

	if waitErr == nil && c.ProcessState != nil && c.ProcessState.Success() {
		out.State = StateSucceeded
		return out
	}

	out.State = StateFailed
	out.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		waitErr = nil
	} else if c.ProcessState != nil {
		out.ExitCode = c.ProcessState.ExitCode()
	}
	out.Err = &EncodeError{ExitCode: out.ExitCode, Command: out.Command, Stderr: out.StderrTail, Err: waitErr}
	return out
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial strings.Builder
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{max: n}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range p {
		if b == '\n' || b == '\r' {
			t.push()
			continue
		}
		t.partial.WriteByte(b)
	}
	return len(p), nil
}

func (t *tailBuffer) push() {
	line := strings.TrimSpace(t.partial.String())
	t.partial.Reset()
	if line == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := t.lines
	if rest := strings.TrimSpace(t.partial.String()); rest != "" {
		lines = append(append([]string(nil), lines...), rest)
	}
	if len(lines) > t.max {
		lines = lines[len(lines)-t.max:]
	}
	return strings.Join(lines, "\n")
}
