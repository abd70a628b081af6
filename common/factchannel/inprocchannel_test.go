package factchannel

import (
	"context"
	"testing"
	"time"

	"github.com/hpcbootstrap/slurmctld-converger/common/membership"
	"github.com/hpcbootstrap/slurmctld-converger/common/readiness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()

	select {
	case n, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return n
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for notification")
	}
	return Notification{}
}

func TestInProcChannelDeliversInOrder(t *testing.T) {
	c := NewInProcChannel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Watch(ctx)
	require.NoError(t, err)

	c.AnnounceNode("a", membership.NodeFact{Hostname: "host-a", PartitionName: "p"})
	c.AnnounceBackend(readiness.BackendFact{Hostname: "db", IngressAddress: "10.0.0.1", Port: 6819})
	c.DepartNode("a")
	c.DepartBackend()

	assert.Equal(t, NodeAnnounced, recv(t, ch).Kind)
	assert.Equal(t, BackendAnnounced, recv(t, ch).Kind)

	n := recv(t, ch)
	assert.Equal(t, NodeDeparted, n.Kind)
	assert.Equal(t, "a", n.Identity)

	assert.Equal(t, BackendDeparted, recv(t, ch).Kind)
}

func TestInProcChannelReplaysCurrentFacts(t *testing.T) {
	c := NewInProcChannel()
	c.AnnounceNode("c", membership.NodeFact{Hostname: "host-c", PartitionName: "p"})
	c.AnnounceNode("a", membership.NodeFact{Hostname: "host-a", PartitionName: "p"})
	c.AnnounceNode("b", membership.NodeFact{Hostname: "host-b", PartitionName: "p"})
	c.DepartNode("b")
	c.AnnounceBackend(readiness.BackendFact{Hostname: "db", IngressAddress: "10.0.0.1", Port: 6819})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Watch(ctx)
	require.NoError(t, err)

	assert.Equal(t, "c", recv(t, ch).Identity)
	assert.Equal(t, "a", recv(t, ch).Identity)
	assert.Equal(t, BackendAnnounced, recv(t, ch).Kind)
}

func TestInProcChannelSeededWatchDepartsStale(t *testing.T) {
	c := NewInProcChannel()
	c.AnnounceNode("a", membership.NodeFact{Hostname: "host-a", PartitionName: "p"})
	c.SeedKnownFacts([]string{"a", "gone"}, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Watch(ctx)
	require.NoError(t, err)

	n := recv(t, ch)
	assert.Equal(t, NodeDeparted, n.Kind)
	assert.Equal(t, "gone", n.Identity)
	assert.Equal(t, BackendDeparted, recv(t, ch).Kind)

	n = recv(t, ch)
	assert.Equal(t, NodeAnnounced, n.Kind)
	assert.Equal(t, "a", n.Identity)
}

func TestInProcChannelClosesOnCancel(t *testing.T) {
	c := NewInProcChannel()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Watch(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatalf("failed to close the stream")
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "node_announced", NodeAnnounced.String())
	assert.Equal(t, "resync", Resync.String())
	assert.Equal(t, "kind(42)", Kind(42).String())
}
