package applier

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hpcbootstrap/slurmctld-converger/common/slurmconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"
)

func testDocument(hostname string) *slurmconfig.Document {
	return &slurmconfig.Document{
		Controller: slurmconfig.Controller{Hostname: "ctl", IngressAddress: "10.0.0.2", Port: 6817},
		Backend:    slurmconfig.Backend{Hostname: "db", IngressAddress: "10.0.0.9", Port: 6819},
		Nodes: []slurmconfig.Node{
			{Identity: "a", Hostname: hostname, Partition: "batch"},
		},
		Partitions: []slurmconfig.Partition{
			{Name: "batch", Hosts: []string{hostname}, IsDefault: true},
		},
	}
}

func TestFileApplierWritesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "slurm.yaml")

	a, err := NewFileApplier(&FileApplierOptions{
		Logger: zaptest.NewLogger(t),
		Path:   path,
	})
	require.NoError(t, err)

	a.Apply(context.Background(), testDocument("h1"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc slurmconfig.Document
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, *testDocument("h1"), doc)
}

func TestFileApplierSkipsUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slurm.yaml")

	a, err := NewFileApplier(&FileApplierOptions{Path: path})
	require.NoError(t, err)

	written, err := a.Write(testDocument("h1"))
	require.NoError(t, err)
	assert.True(t, written)

	written, err = a.Write(testDocument("h1"))
	require.NoError(t, err)
	assert.False(t, written)

	written, err = a.Write(testDocument("h2"))
	require.NoError(t, err)
	assert.True(t, written)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFileApplierRequiresPath(t *testing.T) {
	_, err := NewFileApplier(&FileApplierOptions{})
	assert.Error(t, err)
}

type blockingApplier struct {
	lock    sync.Mutex
	applied []string

	startedCh chan struct{}
	releaseCh chan struct{}
}

func (a *blockingApplier) Apply(ctx context.Context, doc *slurmconfig.Document) {
	a.lock.Lock()
	first := len(a.applied) == 0
	a.applied = append(a.applied, doc.Nodes[0].Hostname)
	a.lock.Unlock()

	if first {
		close(a.startedCh)
		<-a.releaseCh
	}
}

func (a *blockingApplier) Applied() []string {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]string(nil), a.applied...)
}

func TestAsyncCoalescesToNewest(t *testing.T) {
	inner := &blockingApplier{
		startedCh: make(chan struct{}),
		releaseCh: make(chan struct{}),
	}
	a := NewAsync(inner, zaptest.NewLogger(t))

	a.Apply(context.Background(), testDocument("h1"))

	select {
	case <-inner.startedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("inner applier never started")
	}

	a.Apply(context.Background(), testDocument("h2"))
	a.Apply(context.Background(), testDocument("h3"))
	close(inner.releaseCh)

	a.Close()
	assert.Equal(t, []string{"h1", "h3"}, inner.Applied())

	// applying after close is dropped rather than panicking
	a.Apply(context.Background(), testDocument("h4"))
	a.Close()
	assert.Equal(t, []string{"h1", "h3"}, inner.Applied())
}

type recordingApplier struct {
	docs []*slurmconfig.Document
}

func (a *recordingApplier) Apply(ctx context.Context, doc *slurmconfig.Document) {
	a.docs = append(a.docs, doc)
}

func TestMultiFansOut(t *testing.T) {
	first := &recordingApplier{}
	second := &recordingApplier{}

	doc := testDocument("h1")
	Multi{first, nil, second}.Apply(context.Background(), doc)

	require.Len(t, first.docs, 1)
	require.Len(t, second.docs, 1)
	assert.Same(t, doc, first.docs[0])
	assert.Same(t, doc, second.docs[0])
}
