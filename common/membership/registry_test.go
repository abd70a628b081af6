package membership

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFact(host, partition string) NodeFact {
	return NodeFact{
		Hostname:       host,
		IngressAddress: "10.0.0.1",
		PartitionName:  partition,
		Inventory:      `{"cpus":4}`,
	}
}

func TestRegistryUpsertIdempotent(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Upsert("slurmd/0", testFact("node-0", "batch")))
	first := r.Snapshot()

	require.NoError(t, r.Upsert("slurmd/0", testFact("node-0", "batch")))
	second := r.Snapshot()

	require.Len(t, second, 1)
	require.Equal(t, first, second)
}

func TestRegistryRejectsInvalidFacts(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Upsert("slurmd/0", testFact("node-0", "batch")))
	r.ClearDirty()

	testCases := []struct {
		name     string
		identity string
		fact     NodeFact
		field    string
	}{
		{"MissingIdentity", "", testFact("node-1", "batch"), "identity"},
		{"MissingHostname", "slurmd/1", testFact("", "batch"), "hostname"},
		{"MissingPartition", "slurmd/0", testFact("node-0", ""), "partition_name"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Upsert(tc.identity, tc.fact)
			require.ErrorIs(t, err, ErrInvalidFact)

			var factErr *InvalidFactError
			require.True(t, errors.As(err, &factErr))
			assert.Equal(t, tc.field, factErr.Field)

			// rejected facts never partially apply
			require.Len(t, r.Snapshot(), 1)
			assert.Equal(t, "batch", r.Snapshot()[0].PartitionName)
			assert.False(t, r.Dirty())
		})
	}
}

func TestRegistryOrderPreservation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Upsert("c", testFact("host-c", "p")))
	require.NoError(t, r.Upsert("a", testFact("host-a", "p")))
	require.NoError(t, r.Upsert("b", testFact("host-b", "p")))

	// updating an existing identity keeps its slot
	updated := testFact("host-a", "p")
	updated.Inventory = `{"cpus":8}`
	require.NoError(t, r.Upsert("a", updated))

	var ids []string
	for _, fact := range r.Snapshot() {
		ids = append(ids, fact.Identity)
	}
	require.Equal(t, []string{"c", "a", "b"}, ids)

	// a departed and re-announced identity moves to the back
	require.True(t, r.Remove("c"))
	require.NoError(t, r.Upsert("c", testFact("host-c", "p")))

	ids = nil
	for _, fact := range r.Snapshot() {
		ids = append(ids, fact.Identity)
	}
	require.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestRegistryRemoveUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	require.False(t, r.Remove("never-joined"))
	require.False(t, r.Dirty())
	require.Equal(t, 0, r.Len())
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Upsert("a", testFact("host-a", "p")))

	snap := r.Snapshot()
	snap[0].Hostname = "mutated"

	fact, ok := r.Get("a")
	require.True(t, ok)
	require.Equal(t, "host-a", fact.Hostname)
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Upsert("a", testFact("host-a", "p")))
	require.NoError(t, r.Upsert("b", testFact("host-b", "p")))
	r.ClearDirty()

	require.Equal(t, 2, r.Clear())
	require.Equal(t, 0, r.Len())
	require.True(t, r.Dirty())
}

func TestRegistryStateRoundTrip(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Upsert("c", testFact("host-c", "p")))
	require.NoError(t, r.Upsert("a", testFact("host-a", "q")))

	data, err := r.MarshalState()
	require.NoError(t, err)

	restored := NewRegistry()
	require.NoError(t, restored.RestoreState(data))
	require.Equal(t, r.Snapshot(), restored.Snapshot())
}

func TestRegistryRestoreRejectsBadState(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Upsert("a", testFact("host-a", "p")))

	err := r.RestoreState([]byte(`{"nodes":[{"identity":"x","hostname":""}]}`))
	require.ErrorIs(t, err, ErrInvalidFact)
	require.Equal(t, 1, r.Len())

	err = r.RestoreState([]byte(`not json`))
	require.Error(t, err)
	require.Equal(t, 1, r.Len())
}
