// Package process launches the external crawl worker and exposes its output
// as line streams.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultLineBuffer = 1024
	// DefaultWaitDelay bounds how long output is still read after the worker
	// exits, when something it started keeps the pipes open.
	DefaultWaitDelay = 2 * time.Second
	maxLineSize      = 1 << 20
)

// SpawnError is returned when the worker executable cannot be found or started.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Runner starts worker processes.
type Runner struct {
	logger     *zap.Logger
	dir        string
	lineBuffer int
	waitDelay  time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithDir sets the working directory of launched processes.
func WithDir(dir string) Option {
	return func(r *Runner) {
		r.dir = dir
	}
}

// WithLineBuffer sets how many unread lines each stream may hold before the
// reader stops draining the pipe.
func WithLineBuffer(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.lineBuffer = n
		}
	}
}

// WithWaitDelay sets how long to keep reading output after the worker has
// exited before the pipes are closed.
func WithWaitDelay(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.waitDelay = d
		}
	}
}

func NewRunner(logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		logger:     logger,
		lineBuffer: DefaultLineBuffer,
		waitDelay:  DefaultWaitDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process is one running worker.
type Process struct {
	cmd         *exec.Cmd
	logger      *zap.Logger
	lines       chan string
	diagnostics chan string
	done        chan struct{}
	killOnce    sync.Once

	exitCode int
	waitErr  error
}

// Launch starts executable with args. The child inherits the current
// environment with env layered on top, and gets separate stdout and stderr
// pipes.
func (r *Runner) Launch(executable string, args []string, env map[string]string) (*Process, error) {
	cmd := exec.Command(executable, args...)
	cmd.Dir = r.dir
	cmd.Env = mergeEnv(os.Environ(), env)
	cmd.WaitDelay = r.waitDelay
	setProcessGroup(cmd)

	// exec copies into these pipes, so cmd.Wait returns once the worker has
	// exited and WaitDelay has passed, even if a grandchild holds the
	// descriptors open.
	stdout, stdoutW := io.Pipe()
	stderr, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Executable: executable, Err: err}
	}

	p := &Process{
		cmd:         cmd,
		logger:      r.logger.With(zap.Int("pid", cmd.Process.Pid)),
		lines:       make(chan string, r.lineBuffer),
		diagnostics: make(chan string, r.lineBuffer),
		done:        make(chan struct{}),
	}

	var g errgroup.Group
	g.Go(func() error { return p.scan(stdout, p.lines, "stdout") })
	g.Go(func() error { return p.scan(stderr, p.diagnostics, "stderr") })

	go func() {
		waitErr := cmd.Wait()
		stdoutW.Close()
		stderrW.Close()
		if err := g.Wait(); err != nil {
			p.logger.Warn("worker output truncated", zap.Error(err))
		}
		if errors.Is(waitErr, exec.ErrWaitDelay) {
			p.logger.Warn("worker exited but its output was held open", zap.Duration("wait_delay", cmd.WaitDelay))
			waitErr = nil
		}
		p.exitCode, p.waitErr = exitStatus(waitErr)
		close(p.done)
	}()

	r.logger.Info("worker started",
		zap.String("executable", executable),
		zap.Strings("args", args),
		zap.Int("pid", cmd.Process.Pid),
	)
	return p, nil
}

func (p *Process) scan(r io.Reader, out chan<- string, stream string) error {
	defer close(out)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		out <- strings.TrimRight(sc.Text(), "\r")
	}
	if err := sc.Err(); err != nil {
		// Keep the pipe empty so the child never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, r)
		return fmt.Errorf("read %s: %w", stream, err)
	}
	return nil
}

// Lines yields stdout lines as they arrive. The channel is closed at EOF.
func (p *Process) Lines() <-chan string { return p.lines }

// Diagnostics yields stderr lines. The channel is closed at EOF.
func (p *Process) Diagnostics() <-chan string { return p.diagnostics }

// Done is closed once the exit code is available.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Wait blocks until the process has exited and both output streams have
// been read to EOF. It may be called any number of times. The error is only
// set when the exit status could not be determined; a nonzero exit is
// reported through the code alone. A process killed by a signal reports -1.
func (p *Process) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.waitErr
}

// Kill terminates the worker and everything it spawned.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	var err error
	p.killOnce.Do(func() {
		p.logger.Warn("killing worker")
		err = killProcessGroup(p.cmd)
	})
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("wait for worker: %w", err)
}

// mergeEnv layers extra on top of base. Keys in extra replace any existing
// entry with the same name.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}

	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, override := extra[key]; override {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
