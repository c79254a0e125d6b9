package domain

// EventType names the kinds of events a run emits to its viewers.
type EventType string

const (
	EventOutput     EventType = "output"
	EventDiagnostic EventType = "diagnostic"
	EventBundle     EventType = "bundle"
	EventState      EventType = "state"
	EventDone       EventType = "done"
)

// BundleUpdate is one full render of the files discovered so far.
type BundleUpdate struct {
	Content  string `json:"content"`
	Files    int    `json:"files"`
	Filename string `json:"filename"`
}

// LineData is the payload of output and diagnostic events.
type LineData struct {
	Line string `json:"line"`
}

// StateData is the payload of state events.
type StateData struct {
	State string `json:"state"`
}
