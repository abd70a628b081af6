package webapi

import (
	"sync"

	"github.com/hpcbootstrap/slurmctld-converger/common/slurmconfig"
	"github.com/hpcbootstrap/slurmctld-converger/controller/convergence"
)

// StatusReport is the body served by /status.
type StatusReport struct {
	State           string `json:"state"`
	Active          bool   `json:"active"`
	Message         string `json:"message"`
	Fingerprint     string `json:"fingerprint,omitempty"`
	Nodes           int    `json:"nodes"`
	BackendAcquired bool   `json:"backend_acquired"`
}

// StatusBoard keeps the latest status and document for the web api.  It is
// written from the controller goroutine and read from http handlers.
type StatusBoard struct {
	lock      sync.RWMutex
	evaluated bool
	report    StatusReport
	document  *slurmconfig.Document
}

var _ convergence.StatusSink = (*StatusBoard)(nil)

func NewStatusBoard() *StatusBoard {
	return &StatusBoard{}
}

func (b *StatusBoard) SetStatus(status convergence.Status) {
	b.lock.Lock()
	b.report.Active = status.Active
	b.report.Message = status.Message
	b.lock.Unlock()
}

func (b *StatusBoard) ObserveResult(result *convergence.Result) {
	b.lock.Lock()
	b.evaluated = true
	b.report = StatusReport{
		State:           result.State.String(),
		Active:          result.Status.Active,
		Message:         result.Status.Message,
		Fingerprint:     result.Fingerprint,
		Nodes:           result.NodeCount,
		BackendAcquired: result.BackendAcquired,
	}
	// a blocked evaluation keeps the last emitted document visible
	if result.Document != nil {
		b.document = result.Document
	}
	b.lock.Unlock()
}

// Report returns the latest status and whether any evaluation has happened.
func (b *StatusBoard) Report() (StatusReport, bool) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.report, b.evaluated
}

// Document returns the last emitted document, or nil.
func (b *StatusBoard) Document() *slurmconfig.Document {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.document
}
