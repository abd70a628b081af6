package readiness

import (
	"encoding/json"
	"fmt"

	"github.com/hpcbootstrap/slurmctld-converger/common/membership"
)

// BackendFact is the connection information announced by the accounting
// backend (slurmdbd).
type BackendFact struct {
	Hostname       string `json:"hostname"`
	IngressAddress string `json:"ingress_address"`
	Port           int    `json:"port"`
}

func (f *BackendFact) Validate() error {
	if f.Hostname == "" {
		return &membership.InvalidFactError{Kind: "backend", Field: "hostname"}
	}
	if f.IngressAddress == "" {
		return &membership.InvalidFactError{Kind: "backend", Field: "ingress_address"}
	}
	if f.Port <= 0 {
		return &membership.InvalidFactError{Kind: "backend", Field: "port"}
	}
	return nil
}

// Tracker holds the single active backend fact.  Like the membership registry
// it is owned by one goroutine and performs no locking.
type Tracker struct {
	backend  BackendFact
	acquired bool
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// SetBackend stores a complete backend fact.  Partial facts are rejected and
// leave the previous fact (if any) in place.
func (t *Tracker) SetBackend(fact BackendFact) error {
	err := fact.Validate()
	if err != nil {
		return err
	}

	t.backend = fact
	t.acquired = true

	return nil
}

// ClearBackend forgets the backend after it disconnects.
func (t *Tracker) ClearBackend() {
	t.backend = BackendFact{}
	t.acquired = false
}

func (t *Tracker) Acquired() bool {
	return t.acquired
}

// Backend returns a copy of the current fact.
func (t *Tracker) Backend() (BackendFact, bool) {
	return t.backend, t.acquired
}

type jsonTrackerState struct {
	Backend *BackendFact `json:"backend,omitempty"`
}

func (t *Tracker) MarshalState() ([]byte, error) {
	var state jsonTrackerState
	if t.acquired {
		backend := t.backend
		state.Backend = &backend
	}
	return json.Marshal(state)
}

// RestoreState rehydrates the tracker.  A state without a backend restores to
// the unacquired state.
func (t *Tracker) RestoreState(data []byte) error {
	var state jsonTrackerState
	err := json.Unmarshal(data, &state)
	if err != nil {
		return fmt.Errorf("failed to decode tracker state: %w", err)
	}

	if state.Backend == nil {
		t.ClearBackend()
		return nil
	}

	err = t.SetBackend(*state.Backend)
	if err != nil {
		return fmt.Errorf("failed to restore backend: %w", err)
	}

	return nil
}
