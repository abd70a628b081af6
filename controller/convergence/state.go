package convergence

import (
	"context"
	"errors"

	"github.com/hpcbootstrap/slurmctld-converger/common/slurmconfig"
)

var (
	ErrUnknownNotification = errors.New("unknown notification kind")
)

type ReadinessState int

const (
	BlockedNoBackend ReadinessState = iota
	BlockedNoNodes
	Ready
)

func (s ReadinessState) String() string {
	switch s {
	case BlockedNoBackend:
		return "BLOCKED_NO_BACKEND"
	case BlockedNoNodes:
		return "BLOCKED_NO_NODES"
	case Ready:
		return "READY"
	}
	return "UNKNOWN"
}

// DeriveState is the readiness gate.  The backend is checked first, so a
// controller missing both dependencies always reports the backend.
func DeriveState(backendAcquired bool, nodeCount int) ReadinessState {
	if !backendAcquired {
		return BlockedNoBackend
	}
	if nodeCount == 0 {
		return BlockedNoNodes
	}
	return Ready
}

const (
	ReasonNoBackend = "no backend"
	ReasonNoNodes   = "no nodes"
	ActiveMessage   = "slurmctld available"
)

// Status is what the controller reports externally after every evaluation.
type Status struct {
	Active  bool   `json:"active"`
	Message string `json:"message"`
}

func BlockedStatus(reason string) Status {
	return Status{Active: false, Message: reason}
}

func ActiveStatus() Status {
	return Status{Active: true, Message: ActiveMessage}
}

func statusFor(state ReadinessState) Status {
	switch state {
	case BlockedNoBackend:
		return BlockedStatus(ReasonNoBackend)
	case BlockedNoNodes:
		return BlockedStatus(ReasonNoNodes)
	}
	return ActiveStatus()
}

// Applier receives every emitted document together with the apply signal.
// Implementations must not block the caller for long; the engine does not
// wait for the configuration to actually be applied.
type Applier interface {
	Apply(ctx context.Context, doc *slurmconfig.Document)
}

// StatusSink receives the status after every evaluation.
type StatusSink interface {
	SetStatus(status Status)
}

// SettingsSource provides the operator settings, read once per evaluation.
type SettingsSource interface {
	Settings() map[string]string
}
