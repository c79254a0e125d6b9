package domain

import (
	"errors"
	"time"
)

// ScrapeRequest is the payload for the API
type ScrapeRequest struct {
	URL string `json:"url"`
}

// ScrapeResponse acknowledges an accepted scrape.
type ScrapeResponse struct {
	RunID  string    `json:"run_id"`
	Domain string    `json:"domain"`
	Status RunStatus `json:"status"`
}

// RunStatus is the externally visible status of a run.
type RunStatus string

const (
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusFailure RunStatus = "failure"
)

// FailureKind classifies why a run ended in failure.
type FailureKind string

const (
	KindNone     FailureKind = ""
	KindTarget   FailureKind = "target"
	KindSetup    FailureKind = "setup"
	KindSpawn    FailureKind = "spawn"
	KindWatch    FailureKind = "watch"
	KindCanceled FailureKind = "canceled"
	KindExit     FailureKind = "exit" // worker exited nonzero
)

// RunResult is the terminal outcome of one orchestration run.
type RunResult struct {
	RunID      string
	URL        string
	Domain     string
	OutputDir  string
	ExitCode   int
	Kind       FailureKind
	Error      string
	Files      int
	Bundle     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Success reports whether the worker exited with code 0 and nothing else went wrong.
func (r RunResult) Success() bool {
	return r.ExitCode == 0 && r.Kind == KindNone
}

// Status maps the result onto the success/failure classification.
func (r RunResult) Status() RunStatus {
	if r.Success() {
		return StatusSuccess
	}
	return StatusFailure
}

func (r RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunStatusResponse is the API response for a run status query
type RunStatusResponse struct {
	RunID      string     `json:"run_id"`
	URL        string     `json:"url"`
	Domain     string     `json:"domain"`
	Status     RunStatus  `json:"status"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Kind       string     `json:"failure_kind,omitempty"`
	Error      string     `json:"error,omitempty"`
	Files      int        `json:"files"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StatusResponse builds the API view of a finished run.
func (r RunResult) StatusResponse() RunStatusResponse {
	code := r.ExitCode
	finished := r.FinishedAt
	return RunStatusResponse{
		RunID:      r.RunID,
		URL:        r.URL,
		Domain:     r.Domain,
		Status:     r.Status(),
		ExitCode:   &code,
		Kind:       string(r.Kind),
		Error:      r.Error,
		Files:      r.Files,
		StartedAt:  r.StartedAt,
		FinishedAt: &finished,
	}
}

// ErrNotFound is returned by lookups for unknown runs or expired bundles.
var ErrNotFound = errors.New("not_found")
