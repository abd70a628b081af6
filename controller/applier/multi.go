package applier

import (
	"context"

	"github.com/hpcbootstrap/slurmctld-converger/common/slurmconfig"
	"github.com/hpcbootstrap/slurmctld-converger/controller/convergence"
)

// Multi fans a document out to several appliers in order.
type Multi []convergence.Applier

var _ convergence.Applier = (Multi)(nil)

func (m Multi) Apply(ctx context.Context, doc *slurmconfig.Document) {
	for _, a := range m {
		if a != nil {
			a.Apply(ctx, doc)
		}
	}
}
