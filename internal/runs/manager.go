// Package runs tracks scrape runs started through the service: it assigns
// IDs, allows one active run per domain, exposes each run's event hub and
// persists results.
package runs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/crawl-supervisor/internal/aggregator"
	"github.com/user/crawl-supervisor/internal/domain"
	"github.com/user/crawl-supervisor/internal/orchestrator"
	"github.com/user/crawl-supervisor/internal/stream"
)

// ErrDomainBusy is returned by Submit while another run for the same domain
// is active.
var ErrDomainBusy = errors.New("domain already has an active run")

// ErrShutdown is returned by Submit once Shutdown has been called.
var ErrShutdown = errors.New("run manager is shut down")

// Runner executes one orchestration. *orchestrator.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, runID, rawURL string, obs orchestrator.Observer) (domain.RunResult, error)
}

// RunStore persists run records.
type RunStore interface {
	SaveRun(ctx context.Context, run domain.RunStatusResponse) error
	GetRun(ctx context.Context, runID string) (*domain.RunStatusResponse, error)
	ListRuns(ctx context.Context, limit int) ([]domain.RunStatusResponse, error)
}

// BundleCache keeps finished bundles and the cross-process domain lock.
type BundleCache interface {
	AcquireDomain(ctx context.Context, domainName, runID string, ttl time.Duration) (bool, error)
	ReleaseDomain(ctx context.Context, domainName, runID string) error
	SaveBundle(ctx context.Context, runID string, d aggregator.Download, ttl time.Duration) error
	GetBundle(ctx context.Context, runID string) (*aggregator.Download, error)
}

// Options configures a Manager.
type Options struct {
	// BundleTTL is how long finished bundles stay in the cache.
	BundleTTL time.Duration
	// LockTTL bounds the cache domain lock if this process dies mid-run.
	LockTTL time.Duration
	// PersistTimeout bounds each store or cache call made after a run ends.
	PersistTimeout time.Duration
	// HistoryLimit caps how many stored runs List adds to the runs in memory.
	HistoryLimit int
}

// Manager starts runs in the background and keeps them in memory for the
// lifetime of the process. store and cache may be nil.
type Manager struct {
	runner Runner
	store  RunStore
	cache  BundleCache
	opts   Options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	runs   map[string]*Run
	active map[string]string // domain -> run ID
}

func NewManager(runner Runner, store RunStore, cache BundleCache, opts Options, logger *zap.Logger) *Manager {
	if opts.BundleTTL <= 0 {
		opts.BundleTTL = 48 * time.Hour
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 24 * time.Hour
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		runner: runner,
		store:  store,
		cache:  cache,
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*Run),
		active: make(map[string]string),
	}
}

// Submit validates rawURL, claims its domain and starts the run. It returns
// a *domain.TargetError for invalid URLs and ErrDomainBusy when the domain
// is taken. ctx only bounds the submission, not the run.
func (m *Manager) Submit(ctx context.Context, rawURL string) (*Run, error) {
	target, err := domain.ParseTarget(rawURL)
	if err != nil {
		return nil, err
	}
	if m.ctx.Err() != nil {
		return nil, ErrShutdown
	}

	id := uuid.NewString()
	if err := m.claim(ctx, target.Domain, id); err != nil {
		return nil, err
	}

	run := newRun(id, target, m.logger)
	m.mu.Lock()
	// Shutdown cancels under mu, so once this check passes its wg.Wait
	// cannot start before the Add.
	if m.ctx.Err() != nil {
		delete(m.active, target.Domain)
		m.mu.Unlock()
		m.releaseDomain(target.Domain, id)
		return nil, ErrShutdown
	}
	m.runs[id] = run
	m.wg.Add(1)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveRun(ctx, run.Status()); err != nil {
			m.logger.Error("failed to persist run", zap.String("run_id", id), zap.Error(err))
		}
	}

	m.logger.Info("run submitted", zap.String("run_id", id), zap.String("url", target.URL), zap.String("domain", target.Domain))

	go m.execute(run)
	return run, nil
}

func (m *Manager) claim(ctx context.Context, domainName, id string) error {
	m.mu.Lock()
	if owner, ok := m.active[domainName]; ok {
		m.mu.Unlock()
		m.logger.Info("domain busy", zap.String("domain", domainName), zap.String("active_run", owner))
		return ErrDomainBusy
	}
	m.active[domainName] = id
	m.mu.Unlock()

	if m.cache == nil {
		return nil
	}
	ok, err := m.cache.AcquireDomain(ctx, domainName, id, m.opts.LockTTL)
	if err == nil && ok {
		return nil
	}

	m.mu.Lock()
	delete(m.active, domainName)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("claim domain %s: %w", domainName, err)
	}
	return ErrDomainBusy
}

func (m *Manager) execute(run *Run) {
	defer m.wg.Done()

	res, err := m.runner.Run(m.ctx, run.ID, run.URL, run.observer())
	if err != nil {
		m.logger.Warn("run failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	// Runners that skip OnDone on early failures still settle the run.
	run.finish(res)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.PersistTimeout)
	defer cancel()

	if m.store != nil {
		if err := m.store.SaveRun(ctx, run.Status()); err != nil {
			m.logger.Error("failed to persist run result", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	if m.cache != nil {
		d := aggregator.ToDownloadable(res.Bundle, run.Filename())
		if err := m.cache.SaveBundle(ctx, run.ID, d, m.opts.BundleTTL); err != nil {
			m.logger.Error("failed to cache bundle", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	m.releaseDomain(run.Domain, run.ID)

	m.mu.Lock()
	if m.active[run.Domain] == run.ID {
		delete(m.active, run.Domain)
	}
	m.mu.Unlock()
}

func (m *Manager) releaseDomain(domainName, id string) {
	if m.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.PersistTimeout)
	defer cancel()
	if err := m.cache.ReleaseDomain(ctx, domainName, id); err != nil {
		m.logger.Error("failed to release domain", zap.String("domain", domainName), zap.Error(err))
	}
}

// Get returns a run started by this process.
func (m *Manager) Get(id string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	return r, ok
}

// List returns every run started by this process plus the most recent
// stored runs, newest first. In-memory state wins over the stored copy.
func (m *Manager) List(ctx context.Context) ([]domain.RunStatusResponse, error) {
	m.mu.RLock()
	out := make([]domain.RunStatusResponse, 0, len(m.runs))
	seen := make(map[string]struct{}, len(m.runs))
	for id, r := range m.runs {
		out = append(out, r.Status())
		seen[id] = struct{}{}
	}
	m.mu.RUnlock()

	if m.store != nil {
		stored, err := m.store.ListRuns(ctx, m.opts.HistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("list stored runs: %w", err)
		}
		for _, st := range stored {
			if _, ok := seen[st.RunID]; !ok {
				out = append(out, st)
			}
		}
	}

	slices.SortFunc(out, func(a, b domain.RunStatusResponse) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return out, nil
}

// Status looks a run up in memory first and then in the store.
func (m *Manager) Status(ctx context.Context, id string) (domain.RunStatusResponse, error) {
	if r, ok := m.Get(id); ok {
		return r.Status(), nil
	}
	if m.store == nil {
		return domain.RunStatusResponse{}, domain.ErrNotFound
	}
	st, err := m.store.GetRun(ctx, id)
	if err != nil {
		return domain.RunStatusResponse{}, err
	}
	return *st, nil
}

// Download returns the latest bundle of a run, from memory first and then
// from the cache.
func (m *Manager) Download(ctx context.Context, id string) (aggregator.Download, error) {
	if r, ok := m.Get(id); ok {
		b := r.Bundle()
		return aggregator.ToDownloadable(b.Content, r.Filename()), nil
	}
	if m.cache == nil {
		return aggregator.Download{}, domain.ErrNotFound
	}
	d, err := m.cache.GetBundle(ctx, id)
	if err != nil {
		return aggregator.Download{}, err
	}
	return *d, nil
}

// Active returns the number of runs still in progress.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Shutdown cancels all runs, which kills their workers, and waits for them
// to settle or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs: %w", ctx.Err())
	}
}

// Run is one submitted scrape.
type Run struct {
	ID        string
	URL       string
	Domain    string
	StartedAt time.Time

	hub *stream.Hub

	mu     sync.RWMutex
	state  orchestrator.State
	bundle domain.BundleUpdate
	result *domain.RunResult
}

func newRun(id string, target domain.CrawlTarget, logger *zap.Logger) *Run {
	return &Run{
		ID:        id,
		URL:       target.URL,
		Domain:    target.Domain,
		StartedAt: time.Now(),
		hub:       stream.NewHub(logger.With(zap.String("run_id", id))),
	}
}

// Events returns the hub carrying the run's live events.
func (r *Run) Events() *stream.Hub { return r.hub }

func (r *Run) Filename() string {
	return aggregator.BundleFilename(r.Domain, "")
}

// Bundle returns the most recent bundle; the final one once the run is done.
func (r *Run) Bundle() domain.BundleUpdate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bundle
}

func (r *Run) State() orchestrator.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Done reports whether the run has finished.
func (r *Run) Done() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result != nil
}

func (r *Run) Status() domain.RunStatusResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.result != nil {
		return r.result.StatusResponse()
	}
	return domain.RunStatusResponse{
		RunID:     r.ID,
		URL:       r.URL,
		Domain:    r.Domain,
		Status:    domain.StatusRunning,
		Files:     r.bundle.Files,
		StartedAt: r.StartedAt,
	}
}

func (r *Run) observer() orchestrator.Observer {
	return orchestrator.ObserverFuncs{
		Output: func(line string) {
			r.hub.Publish(domain.EventOutput, domain.LineData{Line: line})
		},
		Diagnostic: func(line string) {
			r.hub.Publish(domain.EventDiagnostic, domain.LineData{Line: line})
		},
		Bundle: func(u domain.BundleUpdate) {
			r.mu.Lock()
			r.bundle = u
			r.mu.Unlock()
			r.hub.Publish(domain.EventBundle, u)
		},
		State: func(s orchestrator.State) {
			r.mu.Lock()
			r.state = s
			r.mu.Unlock()
			r.hub.Publish(domain.EventState, domain.StateData{State: s.String()})
		},
		Done: r.finish,
	}
}

// finish records the result and publishes the done event once.
func (r *Run) finish(res domain.RunResult) {
	r.mu.Lock()
	if r.result != nil {
		r.mu.Unlock()
		return
	}
	if res.RunID == "" {
		res.RunID = r.ID
	}
	// Runs are ordered and reported by submission time.
	res.StartedAt = r.StartedAt
	r.result = &res
	if res.Bundle != "" || res.Files > 0 {
		r.bundle = domain.BundleUpdate{Content: res.Bundle, Files: res.Files, Filename: aggregator.BundleFilename(r.Domain, "")}
	}
	r.mu.Unlock()

	r.hub.Publish(domain.EventDone, res.StatusResponse())
}
