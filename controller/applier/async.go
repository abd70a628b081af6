package applier

import (
	"context"
	"sync"

	"github.com/hpcbootstrap/slurmctld-converger/common/slurmconfig"
	"github.com/hpcbootstrap/slurmctld-converger/controller/convergence"
	"github.com/hpcbootstrap/slurmctld-converger/utils/latestonlychannel"
	"go.uber.org/zap"
)

// Async hands documents to an inner applier on its own goroutine so the
// engine never waits for I/O.  When the inner applier falls behind, pending
// documents are coalesced and only the newest one is applied.
type Async struct {
	logger *zap.Logger
	inner  convergence.Applier

	lock    sync.Mutex
	closed  bool
	inputCh chan<- *slurmconfig.Document
	doneCh  chan struct{}
}

var _ convergence.Applier = (*Async)(nil)

func NewAsync(inner convergence.Applier, logger *zap.Logger) *Async {
	if logger == nil {
		logger = zap.NewNop()
	}

	inputCh, outputCh := latestonlychannel.New[*slurmconfig.Document]()

	a := &Async{
		logger:  logger,
		inner:   inner,
		inputCh: inputCh,
		doneCh:  make(chan struct{}),
	}

	go func() {
		defer close(a.doneCh)
		for doc := range outputCh {
			a.inner.Apply(context.Background(), doc)
		}
	}()

	return a
}

func (a *Async) Apply(ctx context.Context, doc *slurmconfig.Document) {
	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		a.logger.Warn("dropping configuration document, applier is closed")
		return
	}
	a.inputCh <- doc
	a.lock.Unlock()
}

// Close stops accepting documents and waits for the last pending document to
// be applied.
func (a *Async) Close() {
	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		<-a.doneCh
		return
	}
	a.closed = true
	close(a.inputCh)
	a.lock.Unlock()

	<-a.doneCh
}
