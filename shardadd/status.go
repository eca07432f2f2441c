package shardadd

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

type State string

const (
	StateProbing      State = "probing"
	StateValidating   State = "validating"
	StateInitializing State = "initializing"
	StateRegistering  State = "registering"
	StateRolling      State = "rolling"
	StateSyncing      State = "syncing"
	StateDone         State = "done"
	StateAborting     State = "aborting"
	StateFailed       State = "failed"
)

// StatusEvent is emitted on every state transition, and once more when a
// database was registered, carrying its committed generation.
type StatusEvent struct {
	State      State  `json:"state"`
	Db         string `json:"db,omitempty"`
	Generation uint64 `json:"generation,omitempty"`
	Error      string `json:"error,omitempty"`
}

type StatusReporter interface {
	Report(ev StatusEvent)
}

type nopReporter struct{}

func (nopReporter) Report(StatusEvent) {}

// TextReporter prints the progress lines an operator follows.
type TextReporter struct {
	lock sync.Mutex
	w    io.Writer
}

func NewTextReporter(w io.Writer) *TextReporter {
	return &TextReporter{w: w}
}

func (r *TextReporter) Report(ev StatusEvent) {
	r.lock.Lock()
	defer r.lock.Unlock()

	switch {
	case ev.State == StateRegistering && ev.Db != "" && ev.Generation == 0:
		fmt.Fprintf(r.w, "%s: add instance\n", ev.Db)
	case ev.State == StateFailed && ev.Error != "":
		fmt.Fprintf(r.w, "failed: %s\n", ev.Error)
	}
}

// JSONReporter writes one JSON object per event.
type JSONReporter struct {
	lock sync.Mutex
	enc  *json.Encoder
}

func NewJSONReporter(w io.Writer) *JSONReporter {
	return &JSONReporter{enc: json.NewEncoder(w)}
}

func (r *JSONReporter) Report(ev StatusEvent) {
	r.lock.Lock()
	defer r.lock.Unlock()

	_ = r.enc.Encode(ev)
}
