package convergence

import (
	"context"
	"testing"

	"github.com/hpcbootstrap/slurmctld-converger/common/factchannel"
	"github.com/hpcbootstrap/slurmctld-converger/common/membership"
	"github.com/hpcbootstrap/slurmctld-converger/common/readiness"
	"github.com/hpcbootstrap/slurmctld-converger/common/slurmconfig"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
)

type recordingApplier struct {
	docs []*slurmconfig.Document
}

func (a *recordingApplier) Apply(ctx context.Context, doc *slurmconfig.Document) {
	a.docs = append(a.docs, doc)
}

type recordingSink struct {
	statuses []Status
}

func (s *recordingSink) SetStatus(status Status) {
	s.statuses = append(s.statuses, status)
}

func (s *recordingSink) last() Status {
	return s.statuses[len(s.statuses)-1]
}

type staticSettings map[string]string

func (s staticSettings) Settings() map[string]string {
	return s
}

func testNode(host, partition string) membership.NodeFact {
	return membership.NodeFact{
		Hostname:       host,
		IngressAddress: "10.0.0.10",
		PartitionName:  partition,
	}
}

func testBackend() readiness.BackendFact {
	return readiness.BackendFact{
		Hostname:       "slurmdbd-0",
		IngressAddress: "10.0.0.20",
		Port:           6819,
	}
}

type EngineTestSuite struct {
	suite.Suite

	ctx      context.Context
	applier  *recordingApplier
	sink     *recordingSink
	settings staticSettings
	engine   *Engine
}

func (s *EngineTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.applier = &recordingApplier{}
	s.sink = &recordingSink{}
	s.settings = staticSettings{"SchedulerType": "sched/backfill"}

	engine, err := NewEngine(&EngineOptions{
		Logger:   zaptest.NewLogger(s.T()),
		Registry: membership.NewRegistry(),
		Tracker:  readiness.NewTracker(),
		Controller: slurmconfig.Controller{
			Hostname:       "slurmctld-0",
			IngressAddress: "10.0.0.2",
			Port:           6817,
		},
		Settings:   s.settings,
		Applier:    s.applier,
		StatusSink: s.sink,
	})
	s.Require().NoError(err)
	s.engine = engine
}

func (s *EngineTestSuite) notify(n factchannel.Notification) *Result {
	result, err := s.engine.OnFactChange(s.ctx, n)
	s.Require().NoError(err)
	return result
}

func (s *EngineTestSuite) TestScenarioBootstrapOrder() {
	result := s.engine.Evaluate(s.ctx)
	s.Equal(BlockedNoBackend, result.State)
	s.Equal(BlockedStatus(ReasonNoBackend), s.sink.last())

	result = s.notify(factchannel.BackendAnnouncement(testBackend()))
	s.Equal(BlockedNoNodes, result.State)
	s.Equal(BlockedStatus(ReasonNoNodes), s.sink.last())
	s.Empty(s.applier.docs)

	result = s.notify(factchannel.NodeAnnouncement("slurmd/0", testNode("node-0", "batch")))
	s.Equal(Ready, result.State)
	s.True(s.sink.last().Active)
	s.Require().Len(s.applier.docs, 1)
	s.Same(result.Document, s.applier.docs[0])
	s.NotEmpty(result.Fingerprint)
}

func (s *EngineTestSuite) TestPreviewHoldsDocument() {
	s.notify(factchannel.BackendAnnouncement(testBackend()))
	s.notify(factchannel.NodeAnnouncement("slurmd/0", testNode("node-0", "batch")))
	s.Require().Len(s.applier.docs, 1)

	result := s.engine.Preview(s.ctx)
	s.Equal(Ready, result.State)
	s.True(result.Held)
	s.Nil(result.Document)
	s.Empty(result.Fingerprint)
	s.True(s.sink.last().Active)
	s.Len(s.applier.docs, 1)

	result = s.engine.Evaluate(s.ctx)
	s.False(result.Held)
	s.NotNil(result.Document)
	s.Len(s.applier.docs, 2)
}

func (s *EngineTestSuite) TestPreviewWhileBlocked() {
	result := s.engine.Preview(s.ctx)
	s.Equal(BlockedNoBackend, result.State)
	s.False(result.Held)
	s.Equal(BlockedStatus(ReasonNoBackend), s.sink.last())
	s.Empty(s.applier.docs)
}

func (s *EngineTestSuite) TestScenarioLastNodeDeparts() {
	s.notify(factchannel.BackendAnnouncement(testBackend()))
	s.notify(factchannel.NodeAnnouncement("slurmd/0", testNode("node-0", "batch")))
	s.Require().Len(s.applier.docs, 1)

	result := s.notify(factchannel.NodeDeparture("slurmd/0"))
	s.Equal(BlockedNoNodes, result.State)
	s.Nil(result.Document)
	s.Equal(Status{Active: false, Message: "no nodes"}, s.sink.last())
	s.Len(s.applier.docs, 1)
}

func (s *EngineTestSuite) TestScenarioSharedPartition() {
	s.notify(factchannel.BackendAnnouncement(testBackend()))
	s.notify(factchannel.NodeAnnouncement("slurmd/0", testNode("node-0", "batch")))
	result := s.notify(factchannel.NodeAnnouncement("slurmd/1", testNode("node-1", "batch")))

	s.Require().Equal(Ready, result.State)
	s.Require().Len(result.Document.Partitions, 1)
	s.Equal("batch", result.Document.Partitions[0].Name)
	s.Len(result.Document.Partitions[0].Hosts, 2)
}

func (s *EngineTestSuite) TestBackendDepartureBlocks() {
	s.notify(factchannel.BackendAnnouncement(testBackend()))
	s.notify(factchannel.NodeAnnouncement("slurmd/0", testNode("node-0", "batch")))

	result := s.notify(factchannel.BackendDeparture())
	s.Equal(BlockedNoBackend, result.State)
	s.Equal(BlockedStatus(ReasonNoBackend), s.sink.last())

	// once the backend returns, the blocked evaluation is retried by the event
	result = s.notify(factchannel.BackendAnnouncement(testBackend()))
	s.Equal(Ready, result.State)
	s.Len(s.applier.docs, 2)
}

func (s *EngineTestSuite) TestRepeatedAnnouncementsReEmitIdenticalDocuments() {
	s.notify(factchannel.BackendAnnouncement(testBackend()))
	first := s.notify(factchannel.NodeAnnouncement("slurmd/0", testNode("node-0", "batch")))
	second := s.notify(factchannel.NodeAnnouncement("slurmd/0", testNode("node-0", "batch")))

	s.Require().Len(s.applier.docs, 2)
	s.Equal(first.Fingerprint, second.Fingerprint)

	firstBytes, err := first.Document.Encode()
	s.Require().NoError(err)
	secondBytes, err := second.Document.Encode()
	s.Require().NoError(err)
	s.Equal(firstBytes, secondBytes)
}

func (s *EngineTestSuite) TestInvalidFactLeavesStateUnchanged() {
	s.notify(factchannel.BackendAnnouncement(testBackend()))
	s.notify(factchannel.NodeAnnouncement("slurmd/0", testNode("node-0", "batch")))
	statusCount := len(s.sink.statuses)

	result, err := s.engine.OnFactChange(s.ctx, factchannel.NodeAnnouncement("slurmd/1", testNode("", "batch")))
	s.ErrorIs(err, membership.ErrInvalidFact)
	s.Nil(result)

	result, err = s.engine.OnFactChange(s.ctx, factchannel.BackendAnnouncement(readiness.BackendFact{Hostname: "x"}))
	s.ErrorIs(err, membership.ErrInvalidFact)
	s.Nil(result)

	s.Len(s.sink.statuses, statusCount)
	s.Equal(Ready, s.engine.Current().State)
	s.Equal(1, s.engine.Current().NodeCount)
}

func (s *EngineTestSuite) TestUnknownNotification() {
	_, err := s.engine.OnFactChange(s.ctx, factchannel.Notification{Kind: factchannel.Kind(99)})
	s.ErrorIs(err, ErrUnknownNotification)
}

func (s *EngineTestSuite) TestMembershipLostClearsNodes() {
	s.notify(factchannel.BackendAnnouncement(testBackend()))
	s.notify(factchannel.NodeAnnouncement("slurmd/0", testNode("node-0", "batch")))
	s.notify(factchannel.NodeAnnouncement("slurmd/1", testNode("node-1", "batch")))

	result := s.notify(factchannel.Notification{Kind: factchannel.MembershipLost})
	s.Equal(BlockedNoNodes, result.State)
	s.Equal(0, result.NodeCount)
}

func (s *EngineTestSuite) TestDepartureOfUnknownNodeIsNotAnError() {
	result := s.notify(factchannel.NodeDeparture("never-joined"))
	s.Equal(BlockedNoBackend, result.State)
}

func (s *EngineTestSuite) TestSettingsAreReadPerEvaluation() {
	s.notify(factchannel.BackendAnnouncement(testBackend()))
	result := s.notify(factchannel.NodeAnnouncement("slurmd/0", testNode("node-0", "batch")))
	s.Equal("sched/backfill", result.Document.Settings["SchedulerType"])

	s.settings["SchedulerType"] = "sched/builtin"
	s.settings["ControlMachine"] = "typo"

	result = s.notify(factchannel.Notification{Kind: factchannel.Resync})
	s.Equal("sched/builtin", result.Document.Settings["SchedulerType"])
	s.Equal("slurmctld-0", result.Document.Controller.Hostname)
	s.Equal([]string{"ControlMachine"}, result.Document.Shadowed)
}

func (s *EngineTestSuite) TestDefaultPartitionIsOrAcrossOrders() {
	a := testNode("node-a", "p")
	b := testNode("node-b", "p")
	b.IsDefaultPartition = true

	s.notify(factchannel.BackendAnnouncement(testBackend()))
	s.notify(factchannel.NodeAnnouncement("b", b))
	result := s.notify(factchannel.NodeAnnouncement("a", a))
	s.True(result.Document.Partitions[0].IsDefault)
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func TestDeriveState(t *testing.T) {
	testCases := []struct {
		acquired bool
		nodes    int
		want     ReadinessState
	}{
		{false, 0, BlockedNoBackend},
		{false, 3, BlockedNoBackend},
		{true, 0, BlockedNoNodes},
		{true, 1, Ready},
		{true, 10, Ready},
	}

	for _, tc := range testCases {
		require.Equal(t, tc.want, DeriveState(tc.acquired, tc.nodes),
			"acquired=%v nodes=%d", tc.acquired, tc.nodes)
	}
}

func TestEngineDeterminism(t *testing.T) {
	build := func(order []string) *Result {
		engine, err := NewEngine(&EngineOptions{
			Registry:   membership.NewRegistry(),
			Tracker:    readiness.NewTracker(),
			Controller: slurmconfig.Controller{Hostname: "ctl", IngressAddress: "10.0.0.2", Port: 6817},
			Settings:   staticSettings{"b": "2", "a": "1", "c": "3"},
		})
		require.NoError(t, err)

		_, err = engine.OnFactChange(context.Background(), factchannel.BackendAnnouncement(testBackend()))
		require.NoError(t, err)

		var result *Result
		for _, id := range order {
			result, err = engine.OnFactChange(context.Background(),
				factchannel.NodeAnnouncement(id, testNode("host-"+id, "p")))
			require.NoError(t, err)
		}
		return result
	}

	first := build([]string{"c", "a", "b"})
	require.Equal(t, []string{"host-c", "host-a", "host-b"}, first.Document.Partitions[0].Hosts)

	for i := 0; i < 20; i++ {
		again := build([]string{"c", "a", "b"})
		require.Equal(t, first.Fingerprint, again.Fingerprint)
	}

	reordered := build([]string{"a", "b", "c"})
	require.NotEqual(t, first.Fingerprint, reordered.Fingerprint)
}

func TestNewEngineRequiresStores(t *testing.T) {
	_, err := NewEngine(&EngineOptions{})
	require.Error(t, err)
}
