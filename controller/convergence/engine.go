package convergence

import (
	"context"
	"fmt"

	"github.com/hpcbootstrap/slurmctld-converger/common/factchannel"
	"github.com/hpcbootstrap/slurmctld-converger/common/membership"
	"github.com/hpcbootstrap/slurmctld-converger/common/partitioncalc"
	"github.com/hpcbootstrap/slurmctld-converger/common/readiness"
	"github.com/hpcbootstrap/slurmctld-converger/common/slurmconfig"
	"github.com/hpcbootstrap/slurmctld-converger/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Result describes the outcome of a single evaluation.
type Result struct {
	Trigger         factchannel.Kind
	State           ReadinessState
	Status          Status
	NodeCount       int
	BackendAcquired bool
	Document        *slurmconfig.Document
	Fingerprint     string

	// Held is set when the gate was open but no document was emitted, see
	// Preview.
	Held bool
}

type EngineOptions struct {
	Logger     *zap.Logger
	Registry   *membership.Registry
	Tracker    *readiness.Tracker
	Controller slurmconfig.Controller
	Settings   SettingsSource
	Applier    Applier
	StatusSink StatusSink
	Metrics    *metrics.ConvergenceMetrics
}

// Engine is the reconciliation state machine.  It must be driven from a single
// goroutine: every notification is applied and evaluated before the next one
// is accepted, and nothing inside the engine blocks on I/O.
type Engine struct {
	logger     *zap.Logger
	registry   *membership.Registry
	tracker    *readiness.Tracker
	controller slurmconfig.Controller
	settings   SettingsSource
	applier    Applier
	statusSink StatusSink
	metrics    *metrics.ConvergenceMetrics
	tracer     trace.Tracer

	// last is kept for observation only and never feeds a decision.
	last *Result
}

func NewEngine(opts *EngineOptions) (*Engine, error) {
	if opts.Registry == nil || opts.Tracker == nil {
		return nil, fmt.Errorf("convergence engine requires a registry and a tracker")
	}

	e := &Engine{
		logger:     opts.Logger,
		registry:   opts.Registry,
		tracker:    opts.Tracker,
		controller: opts.Controller,
		settings:   opts.Settings,
		applier:    opts.Applier,
		statusSink: opts.StatusSink,
		metrics:    opts.Metrics,
		tracer:     otel.Tracer("github.com/hpcbootstrap/slurmctld-converger/controller/convergence"),
	}

	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.metrics == nil {
		e.metrics = metrics.GetConvergenceMetrics()
	}

	return e, nil
}

// OnFactChange applies a single notification and re-evaluates readiness.
// Invalid facts are returned to the caller and leave all state untouched; no
// evaluation happens for them.
func (e *Engine) OnFactChange(ctx context.Context, n factchannel.Notification) (*Result, error) {
	e.logger.Debug("received fact notification",
		zap.Stringer("kind", n.Kind),
		zap.String("identity", n.Identity))

	var err error
	switch n.Kind {
	case factchannel.NodeAnnounced:
		err = e.registry.Upsert(n.Identity, n.Node)
	case factchannel.NodeDeparted:
		if !e.registry.Remove(n.Identity) {
			e.logger.Debug("ignoring departure of unknown node", zap.String("identity", n.Identity))
		}
	case factchannel.BackendAnnounced:
		err = e.tracker.SetBackend(n.Backend)
	case factchannel.BackendDeparted:
		e.tracker.ClearBackend()
	case factchannel.MembershipLost:
		removed := e.registry.Clear()
		e.logger.Warn("membership channel lost, forgetting all nodes", zap.Int("removed", removed))
	case factchannel.Resync:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownNotification, n.Kind)
	}
	if err != nil {
		e.metrics.InvalidFacts.Add(ctx, 1,
			metric.WithAttributes(attribute.String("kind", n.Kind.String())))
		e.logger.Warn("rejected invalid fact",
			zap.Stringer("kind", n.Kind),
			zap.String("identity", n.Identity),
			zap.Error(err))
		return nil, err
	}

	return e.evaluate(ctx, n.Kind, true), nil
}

// Evaluate re-runs the readiness gate without a fact change.
func (e *Engine) Evaluate(ctx context.Context) *Result {
	return e.evaluate(ctx, factchannel.Resync, true)
}

// Preview runs the readiness gate and reports its status like Evaluate, but
// never emits a document.  It is used on facts that are known to be stale,
// such as state restored from disk before the fact channel has replayed.
func (e *Engine) Preview(ctx context.Context) *Result {
	return e.evaluate(ctx, factchannel.Resync, false)
}

// Current returns the result of the most recent evaluation, or nil.
func (e *Engine) Current() *Result {
	return e.last
}

func (e *Engine) evaluate(ctx context.Context, trigger factchannel.Kind, emit bool) *Result {
	ctx, span := e.tracer.Start(ctx, "convergence.evaluate",
		trace.WithAttributes(
			attribute.String("trigger", trigger.String()),
			attribute.Bool("emit", emit)))
	defer span.End()

	// the snapshot is taken after the triggering mutation, so a departure is
	// always reflected in the document emitted for it
	nodes := e.registry.Snapshot()
	backend, acquired := e.tracker.Backend()
	state := DeriveState(acquired, len(nodes))

	result := &Result{
		Trigger:         trigger,
		State:           state,
		Status:          statusFor(state),
		NodeCount:       len(nodes),
		BackendAcquired: acquired,
	}

	switch {
	case state == Ready && !emit:
		result.Held = true
		span.SetStatus(codes.Ok, "")
	case state == Ready:
		doc := slurmconfig.Build(&slurmconfig.BuildOptions{
			Nodes:      nodes,
			Partitions: partitioncalc.CalcPartitions(nodes),
			Backend:    backend,
			Controller: e.controller,
			Settings:   e.readSettings(),
		})

		fingerprint, err := doc.Fingerprint()
		if err != nil {
			e.logger.Error("failed to fingerprint configuration document", zap.Error(err))
			span.RecordError(err)
		}

		if len(doc.Shadowed) > 0 {
			e.logger.Warn("ignored operator settings which shadow derived fields",
				zap.Strings("keys", doc.Shadowed))
		}

		result.Document = doc
		result.Fingerprint = fingerprint

		if e.applier != nil {
			e.applier.Apply(ctx, doc)
		}
		e.metrics.DocumentsEmitted.Add(ctx, 1)
		span.SetStatus(codes.Ok, "")
	default:
		// Blocked evaluations are not queued.  The next fact change runs
		// the gate again, which is the only thing that can unblock it.
		e.metrics.Deferred.Add(ctx, 1)
	}

	span.SetAttributes(attribute.String("state", state.String()))
	e.metrics.Evaluations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state.String())))
	e.metrics.Nodes.Record(ctx, int64(len(nodes)))

	if e.statusSink != nil {
		e.statusSink.SetStatus(result.Status)
	}

	e.logTransition(result)

	e.registry.ClearDirty()
	e.last = result

	return result
}

func (e *Engine) readSettings() map[string]string {
	if e.settings == nil {
		return nil
	}
	return e.settings.Settings()
}

func (e *Engine) logTransition(result *Result) {
	if e.last != nil && e.last.State == result.State {
		e.logger.Debug("readiness unchanged",
			zap.Stringer("state", result.State),
			zap.Stringer("trigger", result.Trigger),
			zap.String("fingerprint", result.Fingerprint))
		return
	}

	if result.Held {
		e.logger.Info("controller is ready, holding configuration until facts are current",
			zap.Int("nodes", result.NodeCount))
		return
	}

	if result.State == Ready {
		e.logger.Info("controller is ready, emitting configuration",
			zap.Int("nodes", result.NodeCount),
			zap.String("fingerprint", result.Fingerprint))
		return
	}

	e.logger.Info("controller is blocked, waiting for the next fact change",
		zap.Stringer("state", result.State),
		zap.String("reason", result.Status.Message))
}
