package settings

import (
	"github.com/hpcbootstrap/slurmctld-converger/controller/convergence"
	"golang.org/x/exp/maps"
)

// Static is a fixed settings map.
type Static map[string]string

var _ convergence.SettingsSource = (Static)(nil)

func (s Static) Settings() map[string]string {
	return maps.Clone(s)
}
