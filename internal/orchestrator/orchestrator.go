// Package orchestrator supervises one scrape run: it prepares the output
// directory, starts the directory watcher and the worker, and polls both
// until the worker exits.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/crawl-supervisor/internal/aggregator"
	"github.com/user/crawl-supervisor/internal/domain"
	"github.com/user/crawl-supervisor/internal/monitoring"
	"github.com/user/crawl-supervisor/internal/process"
)

// OutputDirEnv tells the worker where its artifacts are expected.
const OutputDirEnv = "SCRAPE_OUTPUT_DIR"

// State is a step of the run lifecycle.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateRunning
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SetupError is returned when the output directory cannot be prepared.
type SetupError struct {
	Dir string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("prepare output directory %s: %v", e.Dir, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Watcher mirrors the files in a directory.
type Watcher interface {
	Start(dir string) error
	Snapshot() map[string]string
	Stop() error
}

// WatcherFactory returns a fresh, unstarted Watcher for each run.
type WatcherFactory func() Watcher

// Process is a running worker.
type Process interface {
	Lines() <-chan string
	Diagnostics() <-chan string
	Done() <-chan struct{}
	Wait() (int, error)
	Kill() error
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(executable string, args []string, env map[string]string) (Process, error)
}

type runnerLauncher struct {
	runner *process.Runner
}

// ProcessLauncher adapts a process.Runner to Launcher.
func ProcessLauncher(r *process.Runner) Launcher {
	return runnerLauncher{runner: r}
}

func (l runnerLauncher) Launch(executable string, args []string, env map[string]string) (Process, error) {
	p, err := l.runner.Launch(executable, args, env)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Options configures an Orchestrator.
type Options struct {
	OutputRoot string
	Executable string
	// Args precede the target URL on the worker's command line.
	Args      []string
	WorkerEnv map[string]string
	Extension string
	// PollInterval paces the drain loop.
	PollInterval time.Duration
	// SettleDelay is waited after the worker exits so that late filesystem
	// events reach the final bundle. Defaults to PollInterval.
	SettleDelay time.Duration
	// Timeout bounds a whole run. Zero means no bound.
	Timeout time.Duration
}

// Orchestrator runs scrapes.
type Orchestrator struct {
	opts       Options
	launcher   Launcher
	newWatcher WatcherFactory
	metrics    *monitoring.Metrics
	logger     *zap.Logger
}

func New(opts Options, launcher Launcher, newWatcher WatcherFactory, m *monitoring.Metrics, logger *zap.Logger) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = opts.PollInterval
	}
	if opts.Extension == "" {
		opts.Extension = ".txt"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		opts:       opts,
		launcher:   launcher,
		newWatcher: newWatcher,
		metrics:    m,
		logger:     logger,
	}
}

type run struct {
	obs    Observer
	logger *zap.Logger
	state  State
}

func (r *run) transition(s State) {
	r.logger.Debug("run state", zap.Stringer("from", r.state), zap.Stringer("to", s))
	r.state = s
	if so, ok := r.obs.(StateObserver); ok {
		so.OnState(s)
	}
}

// Run supervises one scrape of rawURL. It returns once the worker has exited
// (or ctx ends) and the watcher has been stopped. obs.OnDone is called
// exactly once before Run returns, also when setup fails. The error is set
// for setup, watch, spawn and cancellation failures; a worker that exits
// nonzero is reported through the result only.
func (o *Orchestrator) Run(ctx context.Context, runID, rawURL string, obs Observer) (res domain.RunResult, err error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	if obs == nil {
		obs = ObserverFuncs{}
	}
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	r := &run{obs: obs, logger: o.logger.With(zap.String("run_id", runID), zap.String("url", rawURL))}
	res = domain.RunResult{RunID: runID, URL: rawURL, StartedAt: time.Now()}
	o.metrics.RunStarted()

	defer func() {
		res.FinishedAt = time.Now()
		if err != nil {
			res.Error = err.Error()
		}
		o.metrics.RunFinished(string(res.Status()), string(res.Kind), res.Files, res.Duration())
		r.logger.Info("run finished",
			zap.String("status", string(res.Status())),
			zap.Int("exit_code", res.ExitCode),
			zap.String("kind", string(res.Kind)),
			zap.Int("files", res.Files),
			zap.Duration("duration", res.Duration()),
			zap.Error(err),
		)
		r.transition(StateDone)
		obs.OnDone(res)
	}()

	target, err := domain.ParseTarget(rawURL)
	if err != nil {
		res.ExitCode, res.Kind = 1, domain.KindTarget
		return res, err
	}
	res.URL, res.Domain = target.URL, target.Domain

	r.transition(StatePreparing)
	dir := filepath.Join(o.opts.OutputRoot, target.Domain)
	res.OutputDir = dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		res.ExitCode, res.Kind = 1, domain.KindSetup
		return res, &SetupError{Dir: dir, Err: err}
	}

	w := o.newWatcher()
	defer o.stopWatcher(w, r.logger)
	if err := w.Start(dir); err != nil {
		res.ExitCode, res.Kind = 1, domain.KindWatch
		return res, err
	}

	env := make(map[string]string, len(o.opts.WorkerEnv)+1)
	for k, v := range o.opts.WorkerEnv {
		env[k] = v
	}
	env[OutputDirEnv] = dir
	args := append(append([]string(nil), o.opts.Args...), target.URL)

	proc, err := o.launcher.Launch(o.opts.Executable, args, env)
	if err != nil {
		res.ExitCode, res.Kind = 1, domain.KindSpawn
		return res, err
	}

	r.transition(StateRunning)
	return o.drain(ctx, r, w, proc, target, res)
}

func (o *Orchestrator) drain(ctx context.Context, r *run, w Watcher, proc Process, target domain.CrawlTarget, res domain.RunResult) (domain.RunResult, error) {
	filename := aggregator.BundleFilename(target.Domain, o.opts.Extension)
	lines, diags := proc.Lines(), proc.Diagnostics()

	emitBundle := func() domain.BundleUpdate {
		snap := w.Snapshot()
		update := domain.BundleUpdate{
			Content:  aggregator.Render(snap),
			Files:    len(snap),
			Filename: filename,
		}
		r.obs.OnBundle(update)
		return update
	}

	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	canceled := false
loop:
	for {
		select {
		case <-proc.Done():
			break loop
		case <-ctx.Done():
			select {
			case <-proc.Done():
				break loop
			default:
			}
			canceled = true
			r.logger.Warn("run canceled, killing worker", zap.Error(ctx.Err()))
			if err := proc.Kill(); err != nil {
				r.logger.Error("failed to kill worker", zap.Error(err))
			}
			break loop
		case <-ticker.C:
			// At most one line per stream per tick; a closed stream is skipped.
			select {
			case line, ok := <-lines:
				if ok {
					o.emitOutput(r, line)
				} else {
					lines = nil
				}
			default:
			}
			select {
			case line, ok := <-diags:
				if ok {
					o.emitDiagnostic(r, line)
				} else {
					diags = nil
				}
			default:
			}
			emitBundle()
		}
	}

	r.transition(StateDraining)
	if lines != nil {
		for line := range lines {
			o.emitOutput(r, line)
		}
	}
	if diags != nil {
		for line := range diags {
			o.emitDiagnostic(r, line)
		}
	}

	code, waitErr := proc.Wait()
	res.ExitCode = code

	if !canceled {
		settle := time.NewTimer(o.opts.SettleDelay)
		select {
		case <-settle.C:
		case <-ctx.Done():
			settle.Stop()
		}
	}
	final := emitBundle()
	res.Files, res.Bundle = final.Files, final.Content

	switch {
	case canceled:
		res.Kind = domain.KindCanceled
		return res, fmt.Errorf("run canceled: %w", ctx.Err())
	case waitErr != nil:
		res.Kind = domain.KindExit
		return res, waitErr
	case code != 0:
		res.Kind = domain.KindExit
		res.Error = fmt.Sprintf("worker exited with code %d", code)
	}
	return res, nil
}

func (o *Orchestrator) emitOutput(r *run, line string) {
	o.metrics.IncOutputLine("stdout")
	r.logger.Debug("worker output", zap.String("line", line))
	r.obs.OnOutput(line)
}

func (o *Orchestrator) emitDiagnostic(r *run, line string) {
	o.metrics.IncOutputLine("stderr")
	r.logger.Warn("worker diagnostic", zap.String("line", line))
	r.obs.OnDiagnostic(line)
}

// stopWatcher is best-effort; failures are logged only.
func (o *Orchestrator) stopWatcher(w Watcher, logger *zap.Logger) {
	if err := w.Stop(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Warn("failed to stop watcher", zap.Error(err))
	}
}
