// Command scrape runs one supervised crawl in the terminal and saves the
// bundle next to the caller.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/user/crawl-supervisor/internal/aggregator"
	"github.com/user/crawl-supervisor/internal/config"
	"github.com/user/crawl-supervisor/internal/domain"
	"github.com/user/crawl-supervisor/internal/monitoring"
	"github.com/user/crawl-supervisor/internal/orchestrator"
	"github.com/user/crawl-supervisor/pkg/logger"
)

const (
	exitUsage       = 2
	exitFailure     = 1
	exitInterrupted = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// flagKeys binds command line flags to configuration keys.
var flagKeys = map[string]string{
	"output-root":     "OUTPUT_ROOT",
	"worker-command":  "WORKER_COMMAND",
	"worker-args":     "WORKER_ARGS",
	"worker-dir":      "WORKER_DIR",
	"extension":       "WATCH_EXTENSION",
	"poll-interval":   "POLL_INTERVAL_MS",
	"timeout":         "RUN_TIMEOUT_SECONDS",
	"log-level":       "LOG_LEVEL",
	"codegpt-api-key": "CODEGPT_API_KEY",
	"agent-id":        "AGENT_ID",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

type options struct {
	envFile string
	dest    string
	quiet   bool
}

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := 0
	cmd := newCommand(stdout, stderr, &code)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	return code
}

func newCommand(stdout, stderr io.Writer, code *int) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "scrape [flags] <url>",
		Short: "Run one supervised crawl and save the collected text",
		Long: `Starts the crawl worker for <url>, prints its output as it arrives and
writes scraped_content_<domain>.txt once the worker exits. The exit code is
the worker's, or 1 when the run could not be started.`,
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			*code = run(cmd.Context(), v, opts, args[0], stdout, stderr)
			return nil
		},
	}
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)

	flags := cmd.Flags()
	flags.String("output-root", "", "directory the worker writes into, one subdirectory per domain")
	flags.String("worker-command", "", "worker executable")
	flags.String("worker-args", "", "arguments placed before the target URL")
	flags.String("worker-dir", "", "working directory of the worker")
	flags.String("extension", "", "extension of the files to collect")
	flags.Int("poll-interval", 0, "poll interval in milliseconds")
	flags.Int("timeout", 0, "abort the run after this many seconds (0 waits indefinitely)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("codegpt-api-key", "", "API key handed to the worker")
	flags.String("agent-id", "", "agent ID handed to the worker")
	flags.StringVar(&opts.envFile, "env-file", ".env", "optional env file")
	flags.StringVarP(&opts.dest, "dest", "d", ".", "where to write the bundle")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "no spinner")
	return cmd
}

func run(ctx context.Context, v *viper.Viper, opts options, target string, stdout, stderr io.Writer) int {
	cfg, err := config.LoadWith(v, opts.envFile)
	if err != nil {
		fmt.Fprintf(stderr, "could not load config: %v\n", err)
		return exitFailure
	}
	if cfg.LogLevel == "info" {
		// Keep the terminal for worker output unless asked otherwise.
		cfg.LogLevel = "warn"
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(stderr, "could not build logger: %v\n", err)
		return exitFailure
	}
	defer log.Sync()

	orch := orchestrator.NewFromConfig(cfg, monitoring.NewMetrics(prometheus.NewRegistry()), log)

	view := newTerminalView(stdout, stderr, opts.quiet)
	view.start(target)
	res, runErr := orch.Run(ctx, "", target, view.observer())
	view.stop()

	if runErr != nil {
		fmt.Fprintf(stderr, "scrape failed: %v\n", runErr)
	}

	if res.Domain != "" && res.Files > 0 {
		path := filepath.Join(opts.dest, aggregator.BundleFilename(res.Domain, cfg.WatchExtension))
		if err := os.WriteFile(path, []byte(res.Bundle), 0o644); err != nil {
			log.Error("failed to write bundle", zap.String("path", path), zap.Error(err))
			fmt.Fprintf(stderr, "could not write bundle: %v\n", err)
			return exitFailure
		}
		fmt.Fprintf(stderr, "saved %d file(s) to %s\n", res.Files, path)
	} else if res.Domain != "" {
		fmt.Fprintln(stderr, "no files were produced")
	}

	return exitCode(res)
}

func exitCode(res domain.RunResult) int {
	switch {
	case res.Kind == domain.KindCanceled:
		return exitInterrupted
	case res.Success():
		return 0
	case res.ExitCode > 0 && res.ExitCode < 256:
		return res.ExitCode
	default:
		return exitFailure
	}
}

// terminalView prints worker output and shows the latest line on a spinner.
type terminalView struct {
	stdout, stderr io.Writer
	spin           *spinner.Spinner
}

func newTerminalView(stdout, stderr io.Writer, quiet bool) *terminalView {
	tv := &terminalView{stdout: stdout, stderr: stderr}
	if !quiet {
		tv.spin = spinner.New(spinner.CharSets[9], 100*time.Millisecond, spinner.WithWriter(stderr))
	}
	return tv
}

func (tv *terminalView) start(target string) {
	if tv.spin == nil {
		return
	}
	tv.spin.Suffix = " scraping " + target
	tv.spin.Start()
}

func (tv *terminalView) stop() {
	if tv.spin != nil {
		tv.spin.Stop()
	}
}

func (tv *terminalView) status(msg string) {
	if tv.spin == nil {
		return
	}
	tv.spin.Lock()
	tv.spin.Suffix = " " + msg
	tv.spin.Unlock()
}

// printLine pauses the spinner so the line is not drawn over.
func (tv *terminalView) printLine(w io.Writer, line string) {
	if tv.spin != nil && tv.spin.Active() {
		tv.spin.Stop()
		defer tv.spin.Start()
	}
	fmt.Fprintln(w, line)
}

func (tv *terminalView) observer() orchestrator.Observer {
	return orchestrator.ObserverFuncs{
		Output: func(line string) {
			tv.printLine(tv.stdout, line)
			tv.status(line)
		},
		Diagnostic: func(line string) {
			tv.printLine(tv.stderr, line)
		},
		Bundle: func(u domain.BundleUpdate) {
			tv.status(fmt.Sprintf("%d file(s) collected", u.Files))
		},
		State: func(s orchestrator.State) {
			tv.status(s.String())
		},
	}
}
