package orchestrator

import "github.com/user/crawl-supervisor/internal/domain"

// Observer receives everything a run produces. OnDone is called exactly once
// per Run, on every path.
type Observer interface {
	OnOutput(line string)
	OnDiagnostic(line string)
	OnBundle(update domain.BundleUpdate)
	OnDone(result domain.RunResult)
}

// StateObserver is optionally implemented by observers that want to follow
// the state machine.
type StateObserver interface {
	OnState(state State)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Output     func(line string)
	Diagnostic func(line string)
	Bundle     func(update domain.BundleUpdate)
	Done       func(result domain.RunResult)
	State      func(state State)
}

func (f ObserverFuncs) OnOutput(line string) {
	if f.Output != nil {
		f.Output(line)
	}
}

func (f ObserverFuncs) OnDiagnostic(line string) {
	if f.Diagnostic != nil {
		f.Diagnostic(line)
	}
}

func (f ObserverFuncs) OnBundle(update domain.BundleUpdate) {
	if f.Bundle != nil {
		f.Bundle(update)
	}
}

func (f ObserverFuncs) OnDone(result domain.RunResult) {
	if f.Done != nil {
		f.Done(result)
	}
}

func (f ObserverFuncs) OnState(state State) {
	if f.State != nil {
		f.State(state)
	}
}
