package factchannel

import (
	"context"
	"sync"

	"github.com/hpcbootstrap/slurmctld-converger/common/membership"
	"github.com/hpcbootstrap/slurmctld-converger/common/readiness"
	"golang.org/x/exp/slices"
)

// InProcChannel is a Channel whose facts are published by in-process calls.
// It backs tests and single host deployments where every role runs locally.
type InProcChannel struct {
	lock     sync.Mutex
	order    []string
	nodes    map[string]membership.NodeFact
	backend  *readiness.BackendFact
	watchers []*inProcWatcher

	seedIdentities []string
	seedBackend    bool
}

var _ Channel = (*InProcChannel)(nil)
var _ KnownFactsSeeder = (*InProcChannel)(nil)

func NewInProcChannel() *InProcChannel {
	return &InProcChannel{
		nodes: make(map[string]membership.NodeFact),
	}
}

type inProcWatcher struct {
	lock     sync.Mutex
	queue    []Notification
	closed   bool
	signalCh chan struct{}
}

func (w *inProcWatcher) push(n Notification) {
	w.lock.Lock()
	if !w.closed {
		w.queue = append(w.queue, n)
	}
	w.lock.Unlock()

	select {
	case w.signalCh <- struct{}{}:
	default:
	}
}

func (w *inProcWatcher) drain() ([]Notification, bool) {
	w.lock.Lock()
	queue := w.queue
	w.queue = nil
	closed := w.closed
	w.lock.Unlock()

	return queue, closed
}

func (w *inProcWatcher) close() {
	w.lock.Lock()
	w.closed = true
	w.lock.Unlock()

	select {
	case w.signalCh <- struct{}{}:
	default:
	}
}

func (c *InProcChannel) broadcastLocked(n Notification) {
	for _, w := range c.watchers {
		w.push(n)
	}
}

func (c *InProcChannel) AnnounceNode(identity string, fact membership.NodeFact) {
	c.lock.Lock()
	if _, ok := c.nodes[identity]; !ok {
		c.order = append(c.order, identity)
	}
	c.nodes[identity] = fact
	c.broadcastLocked(NodeAnnouncement(identity, fact))
	c.lock.Unlock()
}

func (c *InProcChannel) DepartNode(identity string) {
	c.lock.Lock()
	if _, ok := c.nodes[identity]; ok {
		delete(c.nodes, identity)
		idx := slices.Index(c.order, identity)
		c.order = slices.Delete(c.order, idx, idx+1)
	}
	// departures are forwarded even for unknown identities, the consumer
	// treats them as no-ops
	c.broadcastLocked(NodeDeparture(identity))
	c.lock.Unlock()
}

func (c *InProcChannel) AnnounceBackend(fact readiness.BackendFact) {
	c.lock.Lock()
	c.backend = &fact
	c.broadcastLocked(BackendAnnouncement(fact))
	c.lock.Unlock()
}

func (c *InProcChannel) DepartBackend() {
	c.lock.Lock()
	c.backend = nil
	c.broadcastLocked(BackendDeparture())
	c.lock.Unlock()
}

// Resync asks every watcher to re-evaluate without changing any fact.
func (c *InProcChannel) Resync() {
	c.lock.Lock()
	c.broadcastLocked(Notification{Kind: Resync})
	c.lock.Unlock()
}

func (c *InProcChannel) removeWatcher(w *inProcWatcher) {
	c.lock.Lock()
	idx := slices.Index(c.watchers, w)
	if idx >= 0 {
		c.watchers = slices.Delete(c.watchers, idx, idx+1)
	}
	c.lock.Unlock()
}

// SeedKnownFacts applies to the next Watch only.
func (c *InProcChannel) SeedKnownFacts(identities []string, hasBackend bool) {
	c.lock.Lock()
	c.seedIdentities = slices.Clone(identities)
	c.seedBackend = hasBackend
	c.lock.Unlock()
}

func (c *InProcChannel) Watch(ctx context.Context) (<-chan Notification, error) {
	w := &inProcWatcher{
		signalCh: make(chan struct{}, 1),
	}

	c.lock.Lock()
	for _, identity := range c.seedIdentities {
		if _, ok := c.nodes[identity]; !ok {
			w.queue = append(w.queue, NodeDeparture(identity))
		}
	}
	if c.seedBackend && c.backend == nil {
		w.queue = append(w.queue, BackendDeparture())
	}
	c.seedIdentities = nil
	c.seedBackend = false

	// replay the current facts so late watchers converge on the same state
	for _, identity := range c.order {
		w.queue = append(w.queue, NodeAnnouncement(identity, c.nodes[identity]))
	}
	if c.backend != nil {
		w.queue = append(w.queue, BackendAnnouncement(*c.backend))
	}
	c.watchers = append(c.watchers, w)
	c.lock.Unlock()

	go func() {
		<-ctx.Done()
		c.removeWatcher(w)
		w.close()
	}()

	// a dedicated goroutine keeps publishers from ever blocking on a slow
	// watcher while still delivering notifications in publish order
	outputCh := make(chan Notification)
	go func() {
		defer close(outputCh)

		for {
			queue, closed := w.drain()
			for _, n := range queue {
				select {
				case outputCh <- n:
				case <-ctx.Done():
					return
				}
			}

			if closed {
				return
			}

			if len(queue) == 0 {
				<-w.signalCh
			}
		}
	}()

	return outputCh, nil
}
