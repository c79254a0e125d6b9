package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/user/crawl-supervisor/internal/aggregator"
	"github.com/user/crawl-supervisor/internal/config"
	"github.com/user/crawl-supervisor/internal/domain"
	"github.com/user/crawl-supervisor/internal/monitoring"
	"github.com/user/crawl-supervisor/internal/orchestrator"
	"github.com/user/crawl-supervisor/internal/runs"
	"github.com/user/crawl-supervisor/internal/storage"
)

// scriptedRunner prints a couple of lines, publishes one bundle and waits
// for release before finishing with code.
type scriptedRunner struct {
	release chan struct{}
	code    int
}

func (f *scriptedRunner) Run(ctx context.Context, runID, rawURL string, obs orchestrator.Observer) (domain.RunResult, error) {
	target, _ := domain.ParseTarget(rawURL)
	res := domain.RunResult{RunID: runID, URL: target.URL, Domain: target.Domain, StartedAt: time.Now()}
	obs.OnOutput("fetching " + target.URL)
	obs.OnDiagnostic("slow response")
	bundle := aggregator.Render(map[string]string{"index.txt": "Example Domain"})
	obs.OnBundle(domain.BundleUpdate{Content: bundle, Files: 1, Filename: aggregator.BundleFilename(target.Domain, "")})

	var err error
	select {
	case <-f.release:
		res.ExitCode = f.code
		if f.code != 0 {
			res.Kind = domain.KindExit
		}
	case <-ctx.Done():
		res.ExitCode, res.Kind, err = -1, domain.KindCanceled, ctx.Err()
	}
	res.Files, res.Bundle, res.FinishedAt = 1, bundle, time.Now()
	obs.OnDone(res)
	return res, err
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testEnv struct {
	server  *Server
	runner  *scriptedRunner
	manager *runs.Manager
}

func newTestEnv(t *testing.T, cache runs.BundleCache, checks map[string]Pinger) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	runner := &scriptedRunner{release: make(chan struct{})}
	rm := runs.NewManager(runner, nil, cache, runs.Options{}, logger)
	t.Cleanup(func() {
		select {
		case <-runner.release:
		default:
			close(runner.release)
		}
		_ = rm.Shutdown(context.Background())
	})
	cfg := &config.Config{ServerPort: "0"}
	s := NewServer(cfg, rm, checks, monitoring.NewMetrics(prometheus.NewRegistry()), logger)
	return &testEnv{server: s, runner: runner, manager: rm}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) submit(t *testing.T, url string) domain.ScrapeResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/scrape", `{"url":"`+url+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp domain.ScrapeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (e *testEnv) finish(t *testing.T, runID string) {
	t.Helper()
	close(e.runner.release)
	run, ok := e.manager.Get(runID)
	require.True(t, ok)
	require.Eventually(t, run.Done, 3*time.Second, 5*time.Millisecond)
}

func TestScrape_Accepted(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.submit(t, "https://Example.com/docs")

	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, "example.com", resp.Domain)
	assert.Equal(t, domain.StatusRunning, resp.Status)
}

func TestScrape_BadRequests(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"url":`},
		{"missing scheme", `{"url":"example.com"}`},
		{"unsupported scheme", `{"url":"ftp://example.com"}`},
		{"empty", `{"url":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/scrape", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestScrape_ConflictWhileDomainActive(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.submit(t, "https://example.com")

	rec := env.do(t, http.MethodPost, "/api/scrape", `{"url":"https://example.com/other"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestScrape_CacheUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := storage.NewRedisStore(mr.Addr(), "", 0)
	mr.Close()
	env := newTestEnv(t, cache, nil)

	rec := env.do(t, http.MethodPost, "/api/scrape", `{"url":"https://example.com"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRuns_StatusAndList(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.submit(t, "https://example.com")

	rec := env.do(t, http.MethodGet, "/api/runs/"+resp.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st domain.RunStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, domain.StatusRunning, st.Status)
	assert.Nil(t, st.ExitCode)

	env.finish(t, resp.RunID)

	rec = env.do(t, http.MethodGet, "/api/runs/"+resp.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, domain.StatusSuccess, st.Status)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 0, *st.ExitCode)
	assert.Equal(t, 1, st.Files)

	rec = env.do(t, http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.RunStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, resp.RunID, list[0].RunID)
}

func TestRuns_NotFound(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	for _, path := range []string{"/api/runs/nope", "/api/runs/nope/bundle", "/api/runs/nope/events"} {
		rec := env.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestBundle_Attachment(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.submit(t, "https://example.com")
	env.finish(t, resp.RunID)

	rec := env.do(t, http.MethodGet, "/api/runs/"+resp.RunID+"/bundle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, aggregator.ContentType, rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="scraped_content_example.com.txt"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "## 📄 index.txt\n```\nExample Domain\n```\n\n", rec.Body.String())
}

func TestBundle_Base64(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.submit(t, "https://example.com")

	// A running scrape already serves its current bundle.
	run, ok := env.manager.Get(resp.RunID)
	require.True(t, ok)
	require.Eventually(t, func() bool { return run.Bundle().Files == 1 }, 3*time.Second, 5*time.Millisecond)

	rec := env.do(t, http.MethodGet, "/api/runs/"+resp.RunID+"/bundle?format=base64", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Filename    string `json:"filename"`
		ContentType string `json:"content_type"`
		Data        string `json:"data"`
		DataURI     string `json:"data_uri"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "scraped_content_example.com.txt", body.Filename)
	assert.True(t, strings.HasPrefix(body.DataURI, "data:text/plain;base64,"))

	blob, err := aggregator.Decode(aggregator.Download{Filename: body.Filename, Data: body.Data})
	require.NoError(t, err)
	assert.Contains(t, blob, "Example Domain")
}

func TestBundle_FromCacheAfterRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := storage.NewRedisStore(mr.Addr(), "", 0)
	want := aggregator.ToDownloadable("cached", "scraped_content_example.com.txt")
	require.NoError(t, cache.SaveBundle(context.Background(), "earlier-run", want, time.Hour))

	env := newTestEnv(t, cache, nil)
	rec := env.do(t, http.MethodGet, "/api/runs/earlier-run/bundle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cached", rec.Body.String())
}

func readEvents(t *testing.T, body string) []string {
	t.Helper()
	var types []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			types = append(types, name)
		}
	}
	return types
}

func TestEvents_ReplayEndsWithDone(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.submit(t, "https://example.com")
	env.finish(t, resp.RunID)

	rec := env.do(t, http.MethodGet, "/api/runs/"+resp.RunID+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	types := readEvents(t, rec.Body.String())
	require.NotEmpty(t, types)
	assert.Contains(t, types, "output")
	assert.Contains(t, types, "diagnostic")
	assert.Contains(t, types, "bundle")
	assert.Equal(t, "done", types[len(types)-1])
	assert.Contains(t, rec.Body.String(), `"line":"fetching https://example.com"`)
}

func TestEvents_LiveStream(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	resp := env.submit(t, "https://example.com")

	res, err := http.Get(ts.URL + "/api/runs/" + resp.RunID + "/events")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(res.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	waitFor := func(want string) {
		t.Helper()
		timeout := time.After(3 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream ended before %q", want)
				if line == want {
					return
				}
			case <-timeout:
				t.Fatalf("no %q within timeout", want)
			}
		}
	}

	waitFor("event: bundle")
	close(env.runner.release)
	waitFor("event: done")
}

func TestEvents_HeartbeatWhileIdle(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.server.heartbeat = 10 * time.Millisecond
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	resp := env.submit(t, "https://example.com")
	res, err := http.Get(ts.URL + "/api/runs/" + resp.RunID + "/events")
	require.NoError(t, err)
	defer res.Body.Close()

	found := make(chan struct{})
	go func() {
		sc := bufio.NewScanner(res.Body)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), ": heartbeat") {
				close(found)
				return
			}
		}
	}()

	select {
	case <-found:
	case <-time.After(3 * time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestHealth(t *testing.T) {
	t.Run("no dependencies", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		rec := env.do(t, http.MethodGet, "/api/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("healthy redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		env := newTestEnv(t, nil, map[string]Pinger{"redis": storage.NewRedisStore(mr.Addr(), "", 0)})
		rec := env.do(t, http.MethodGet, "/api/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok","redis":"healthy"}`, rec.Body.String())
	})

	t.Run("unhealthy postgres", func(t *testing.T) {
		env := newTestEnv(t, nil, map[string]Pinger{"postgres": failingPinger{}})
		rec := env.do(t, http.MethodGet, "/api/health", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.JSONEq(t, `{"status":"degraded","postgres":"unhealthy"}`, rec.Body.String())
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rec := env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

// historyStore serves a fixed run history.
type historyStore struct {
	runs    []domain.RunStatusResponse
	listErr error
}

func (s *historyStore) SaveRun(context.Context, domain.RunStatusResponse) error { return nil }

func (s *historyStore) GetRun(_ context.Context, id string) (*domain.RunStatusResponse, error) {
	for _, r := range s.runs {
		if r.RunID == id {
			return &r, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *historyStore) ListRuns(context.Context, int) ([]domain.RunStatusResponse, error) {
	return s.runs, s.listErr
}

func newHistoryServer(t *testing.T, store runs.RunStore) *Server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	rm := runs.NewManager(&scriptedRunner{release: make(chan struct{})}, store, nil, runs.Options{}, logger)
	t.Cleanup(func() { _ = rm.Shutdown(context.Background()) })
	return NewServer(&config.Config{ServerPort: "0"}, rm, nil, monitoring.NewMetrics(prometheus.NewRegistry()), logger)
}

func TestRuns_ListIncludesStoredHistory(t *testing.T) {
	store := &historyStore{runs: []domain.RunStatusResponse{
		{RunID: "earlier", Domain: "example.com", Status: domain.StatusFailure, StartedAt: time.Now().Add(-time.Hour)},
	}}
	s := newHistoryServer(t, store)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var list []domain.RunStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "earlier", list[0].RunID)
	assert.Equal(t, domain.StatusFailure, list[0].Status)
}

func TestRuns_ListStoreUnavailable(t *testing.T) {
	s := newHistoryServer(t, &historyStore{listErr: errors.New("connection refused")})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
