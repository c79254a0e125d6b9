package orchestrator

import (
	"go.uber.org/zap"

	"github.com/user/crawl-supervisor/internal/config"
	"github.com/user/crawl-supervisor/internal/monitoring"
	"github.com/user/crawl-supervisor/internal/process"
	"github.com/user/crawl-supervisor/internal/watcher"
)

// OptionsFromConfig maps the service configuration onto run options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		OutputRoot:   cfg.OutputRoot,
		Executable:   cfg.WorkerCommand,
		Args:         cfg.WorkerArgList(),
		WorkerEnv:    cfg.WorkerEnv(),
		Extension:    cfg.WatchExtension,
		PollInterval: cfg.PollInterval(),
		Timeout:      cfg.RunTimeout(),
	}
}

// NewFromConfig builds an Orchestrator backed by the real process runner and
// fsnotify watcher. Unreadable watched files are counted in m.
func NewFromConfig(cfg *config.Config, m *monitoring.Metrics, logger *zap.Logger) *Orchestrator {
	runner := process.NewRunner(logger,
		process.WithDir(cfg.WorkerDir),
		process.WithLineBuffer(cfg.LineBuffer),
	)
	newWatcher := func() Watcher {
		w := watcher.New(cfg.WatchExtension, logger)
		w.OnReadError(func(string, error) { m.IncWatchReadError() })
		return w
	}
	return New(OptionsFromConfig(cfg), ProcessLauncher(runner), newWatcher, m, logger)
}
