package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/hpcbootstrap/slurmctld-converger/common/factchannel"
	"github.com/hpcbootstrap/slurmctld-converger/common/membership"
	"github.com/hpcbootstrap/slurmctld-converger/common/readiness"
	"github.com/hpcbootstrap/slurmctld-converger/common/slurmconfig"
	"github.com/hpcbootstrap/slurmctld-converger/common/statestore"
	"github.com/hpcbootstrap/slurmctld-converger/controller/convergence"
	"github.com/hpcbootstrap/slurmctld-converger/pkg/metrics"
	"go.uber.org/zap"
)

// ResultObserver is told about every evaluation result, including the
// start-up evaluation.  It is called from the controller goroutine.
type ResultObserver interface {
	ObserveResult(result *convergence.Result)
}

type ControllerOptions struct {
	Logger *zap.Logger

	Channel factchannel.Channel
	Store   *statestore.Store

	LocalIdentity slurmconfig.Controller
	Settings      convergence.SettingsSource
	Applier       convergence.Applier
	StatusSink    convergence.StatusSink
	Observer      ResultObserver
	Metrics       *metrics.ConvergenceMetrics
}

// Controller hosts the convergence engine.  It owns the fact stores, is the
// only goroutine that talks to the engine and persists state after every
// fact change.
type Controller struct {
	logger   *zap.Logger
	channel  factchannel.Channel
	store    *statestore.Store
	observer ResultObserver
	metrics  *metrics.ConvergenceMetrics

	registry *membership.Registry
	tracker  *readiness.Tracker
	engine   *convergence.Engine

	resyncCh chan struct{}
}

func NewController(opts *ControllerOptions) (*Controller, error) {
	if opts.Channel == nil {
		return nil, errors.New("controller requires a fact channel")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metricsInst := opts.Metrics
	if metricsInst == nil {
		metricsInst = metrics.GetConvergenceMetrics()
	}

	registry := membership.NewRegistry()
	tracker := readiness.NewTracker()

	engine, err := convergence.NewEngine(&convergence.EngineOptions{
		Logger:     logger.Named("engine"),
		Registry:   registry,
		Tracker:    tracker,
		Controller: opts.LocalIdentity,
		Settings:   opts.Settings,
		Applier:    opts.Applier,
		StatusSink: opts.StatusSink,
		Metrics:    metricsInst,
	})
	if err != nil {
		return nil, err
	}

	return &Controller{
		logger:   logger,
		channel:  opts.Channel,
		store:    opts.Store,
		observer: opts.Observer,
		metrics:  metricsInst,
		registry: registry,
		tracker:  tracker,
		engine:   engine,
		resyncCh: make(chan struct{}, 1),
	}, nil
}

func (c *Controller) snapshotters() map[string]statestore.Snapshotter {
	return map[string]statestore.Snapshotter{
		statestore.RegistryKey: c.registry,
		statestore.TrackerKey:  c.tracker,
	}
}

// restore rehydrates persisted state.  It reports whether the fact channel
// was seeded with that state, in which case the first replay departs whatever
// went away while the controller was down.
func (c *Controller) restore() bool {
	if c.store == nil {
		return false
	}

	restored, err := c.store.Restore(c.snapshotters())
	if err != nil {
		// a bad snapshot is not fatal, the fact channel replays what is current
		c.logger.Warn("failed to restore persisted state, starting empty", zap.Error(err))
		c.registry.Clear()
		c.tracker.ClearBackend()
		return false
	}

	if len(restored) > 0 {
		c.logger.Info("restored persisted state",
			zap.Strings("snapshots", restored),
			zap.Int("nodes", c.registry.Len()),
			zap.Bool("backendAcquired", c.tracker.Acquired()))
	}

	if len(restored) == 0 {
		return false
	}

	seeder, ok := c.channel.(factchannel.KnownFactsSeeder)
	if !ok {
		return false
	}

	var identities []string
	for _, node := range c.registry.Snapshot() {
		identities = append(identities, node.Identity)
	}
	seeder.SeedKnownFacts(identities, c.tracker.Acquired())
	return true
}

func (c *Controller) persist(ctx context.Context) {
	if c.store == nil {
		return
	}

	err := c.store.Save(c.snapshotters())
	if err != nil {
		c.metrics.PersistFailures.Add(ctx, 1)
		c.logger.Error("failed to persist state", zap.Error(err))
	}
}

func (c *Controller) observe(result *convergence.Result) {
	if c.observer != nil && result != nil {
		c.observer.ObserveResult(result)
	}
}

// Resync requests a re-evaluation without a fact change, for example after
// the operator settings changed.  Requests made while one is pending are
// merged.
func (c *Controller) Resync() {
	select {
	case c.resyncCh <- struct{}{}:
	default:
	}
}

// Run restores persisted state, evaluates once so status is reported before
// any fact arrives, and then processes notifications until ctx is cancelled
// or the fact channel closes.  When restored state seeded the channel the
// start-up evaluation does not emit a document; the replay that follows
// carries every current fact and emits one.
func (c *Controller) Run(ctx context.Context) error {
	if c.restore() {
		c.observe(c.engine.Preview(ctx))
	} else {
		c.observe(c.engine.Evaluate(ctx))
	}

	notifCh, err := c.channel.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch fact channel: %w", err)
	}

MainLoop:
	for {
		select {
		case <-ctx.Done():
			break MainLoop
		case <-c.resyncCh:
			c.observe(c.engine.Evaluate(ctx))
		case n, ok := <-notifCh:
			if !ok {
				if ctx.Err() != nil {
					break MainLoop
				}
				return factchannel.ErrChannelClosed
			}

			result, err := c.engine.OnFactChange(ctx, n)
			if err != nil {
				// the engine has already logged and counted the rejection
				continue
			}
			c.observe(result)

			if n.Kind != factchannel.Resync {
				c.persist(ctx)
			}
		}
	}

	c.logger.Info("controller stopped")
	return nil
}
