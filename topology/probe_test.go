package topology

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeAuthority struct {
	endpoint  string
	databases []Database
	nodes     []Node
	err       error
	failFirst int32
	calls     int32
}

func (a *fakeAuthority) Endpoint() string { return a.endpoint }

func (a *fakeAuthority) ListDatabases(ctx context.Context) ([]Database, error) {
	call := atomic.AddInt32(&a.calls, 1)
	if call <= a.failFirst {
		return nil, adminerrors.Newf(adminerrors.ErrUnreachable, a.endpoint, "connection refused")
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.databases, nil
}

func (a *fakeAuthority) ListNodes(ctx context.Context) ([]Node, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.nodes, nil
}

func (a *fakeAuthority) GetDatabase(ctx context.Context, name string) (Database, error) {
	if a.err != nil {
		return Database{}, a.err
	}
	for _, db := range a.databases {
		if db.Name == name {
			return db, nil
		}
	}
	return Database{}, adminerrors.Newf(adminerrors.ErrSchemaMismatch, name, "no such database")
}

type fakeAgent struct {
	down      map[NodeAddr]bool
	instances map[NodeAddr][]Instance
}

func (a *fakeAgent) Handshake(ctx context.Context, addr NodeAddr) (Handshake, error) {
	if a.down[addr] {
		return Handshake{}, adminerrors.Newf(adminerrors.ErrUnreachable, addr.String(), "connection refused")
	}
	return Handshake{Addr: addr, Version: "2.1.0", Status: StatusUp}, nil
}

func (a *fakeAgent) ListInstances(ctx context.Context, addr NodeAddr) ([]Instance, error) {
	return a.instances[addr], nil
}

func testCluster() ([]Database, []Node) {
	h1 := NodeAddr{Host: "h1", Port: 30000}
	h2 := NodeAddr{Host: "h2", Port: 30000}

	nodes := []Node{
		{ID: NodeIDFor(1, h1), Addr: h1, HAGroupID: 1, Role: RoleMaster},
		{ID: NodeIDFor(2, h2), Addr: h2, HAGroupID: 2, Role: RoleMaster},
	}

	dbs := []Database{
		{
			Name: "testdb",
			Conf: []byte("[common]\nkey=value\n"),
			ShardMap: ShardMap{
				GlobalDbName: "testdb",
				Generation:   7,
				Entries: []ShardEntry{
					{Range: KeyRange{Low: 0, High: 128}, Instance: InstanceRef{NodeID: nodes[0].ID, Addr: h1, HAGroupID: 1, LocalDbName: "testdb"}},
					{Range: KeyRange{Low: 128, High: 256}, Instance: InstanceRef{NodeID: nodes[1].ID, Addr: h2, HAGroupID: 2, LocalDbName: "testdb"}},
				},
			},
		},
	}

	return dbs, nodes
}

func newTestProber(t *testing.T, authorities []Authority, agent NodeAgent) *Prober {
	p, err := NewProber(&ProberOptions{
		Logger:      zaptest.NewLogger(t),
		Authorities: authorities,
		Agent:       agent,
		RetryBudget: 2 * time.Second,
	})
	require.NoError(t, err)
	return p
}

func TestProbeBuildsSnapshot(t *testing.T) {
	dbs, nodes := testCluster()
	target := NodeAddr{Host: "h3", Port: 30000}

	agent := &fakeAgent{
		instances: map[NodeAddr][]Instance{
			nodes[0].Addr: {{GlobalDbName: "testdb", NodeID: nodes[0].ID, LocalDbName: "testdb"}},
		},
	}

	p := newTestProber(t, []Authority{
		&fakeAuthority{endpoint: "m1", databases: dbs, nodes: nodes},
		&fakeAuthority{endpoint: "m2", databases: dbs, nodes: nodes},
	}, agent)

	snap, err := p.Probe(context.Background(), []NodeAddr{target})
	require.NoError(t, err)

	assert.Len(t, snap.Nodes(), 2)
	assert.Equal(t, []string{"testdb"}, snap.DatabaseNames())

	db, ok := snap.Database("testdb")
	require.True(t, ok)
	assert.EqualValues(t, 7, db.ShardMap.Generation)

	node, ok := snap.NodeByAddr(nodes[0].Addr)
	require.True(t, ok)
	assert.Equal(t, StatusUp, node.Status)
	assert.Equal(t, "2.1.0", node.Version)
	assert.Len(t, snap.Instances(node.ID), 1)

	hs, ok := snap.Target(target)
	require.True(t, ok)
	assert.Equal(t, "2.1.0", hs.Version)

	assert.True(t, snap.ContainsAddr(nodes[1].Addr))
	assert.False(t, snap.ContainsAddr(target))
}

func TestProbeRejectsDisagreeingGenerations(t *testing.T) {
	dbs, nodes := testCluster()
	stale := []Database{dbs[0].Clone()}
	stale[0].ShardMap.Generation = 6

	p := newTestProber(t, []Authority{
		&fakeAuthority{endpoint: "m1", databases: dbs, nodes: nodes},
		&fakeAuthority{endpoint: "m2", databases: stale, nodes: nodes},
	}, &fakeAgent{})

	_, err := p.Probe(context.Background(), nil)
	require.ErrorIs(t, err, adminerrors.ErrInconsistent)
	assert.Equal(t, "testdb", adminerrors.EntityOf(err))
}

func TestProbeRequiresQuorum(t *testing.T) {
	dbs, nodes := testCluster()
	down := errors.New("dial tcp: connection refused")

	p := newTestProber(t, []Authority{
		&fakeAuthority{endpoint: "m1", databases: dbs, nodes: nodes},
		&fakeAuthority{endpoint: "m2", err: adminerrors.New(adminerrors.ErrUnreachable, "m2", down)},
		&fakeAuthority{endpoint: "m3", err: adminerrors.New(adminerrors.ErrUnreachable, "m3", down)},
	}, &fakeAgent{})

	_, err := p.Probe(context.Background(), nil)
	require.ErrorIs(t, err, adminerrors.ErrUnreachable)
}

func TestProbeToleratesMinorityOfEndpoints(t *testing.T) {
	dbs, nodes := testCluster()

	p := newTestProber(t, []Authority{
		&fakeAuthority{endpoint: "m1", databases: dbs, nodes: nodes},
		&fakeAuthority{endpoint: "m2", databases: dbs, nodes: nodes},
		&fakeAuthority{endpoint: "m3", err: adminerrors.Newf(adminerrors.ErrUnreachable, "m3", "refused")},
	}, &fakeAgent{})

	_, err := p.Probe(context.Background(), nil)
	require.NoError(t, err)
}

func TestProbeAuthDeniedIsNotRetried(t *testing.T) {
	auth := &fakeAuthority{endpoint: "m1", err: adminerrors.Newf(adminerrors.ErrAuthDenied, "m1", "bad password")}

	p := newTestProber(t, []Authority{auth}, &fakeAgent{})

	_, err := p.Probe(context.Background(), nil)
	require.ErrorIs(t, err, adminerrors.ErrAuthDenied)
	assert.EqualValues(t, 1, atomic.LoadInt32(&auth.calls))
}

func TestProbeRetriesTransientErrors(t *testing.T) {
	dbs, nodes := testCluster()
	auth := &fakeAuthority{endpoint: "m1", databases: dbs, nodes: nodes, failFirst: 2}

	p := newTestProber(t, []Authority{auth}, &fakeAgent{})

	_, err := p.Probe(context.Background(), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&auth.calls))
}

func TestProbeMarksUnreachableNodesUnknown(t *testing.T) {
	dbs, nodes := testCluster()

	p := newTestProber(t, []Authority{
		&fakeAuthority{endpoint: "m1", databases: dbs, nodes: nodes},
	}, &fakeAgent{down: map[NodeAddr]bool{nodes[1].Addr: true}})

	snap, err := p.Probe(context.Background(), nil)
	require.NoError(t, err)

	node, ok := snap.Node(nodes[1].ID)
	require.True(t, ok)
	assert.Equal(t, StatusUnknown, node.Status)
}

func TestProbeFailsOnUnreachableTarget(t *testing.T) {
	dbs, nodes := testCluster()
	h3 := NodeAddr{Host: "h3", Port: 30000}
	h4 := NodeAddr{Host: "h4", Port: 30000}

	p := newTestProber(t, []Authority{
		&fakeAuthority{endpoint: "m1", databases: dbs, nodes: nodes},
	}, &fakeAgent{down: map[NodeAddr]bool{h4: true}})

	_, err := p.Probe(context.Background(), []NodeAddr{h3, h4})
	require.ErrorIs(t, err, adminerrors.ErrUnreachable)
	assert.Equal(t, "h4:30000", adminerrors.EntityOf(err))
}

func TestReprobeDatabase(t *testing.T) {
	dbs, nodes := testCluster()

	p := newTestProber(t, []Authority{
		&fakeAuthority{endpoint: "m1", databases: dbs, nodes: nodes},
	}, &fakeAgent{})

	db, err := p.ReprobeDatabase(context.Background(), "testdb")
	require.NoError(t, err)
	assert.EqualValues(t, 7, db.ShardMap.Generation)

	_, err = p.ReprobeDatabase(context.Background(), "missing")
	require.ErrorIs(t, err, adminerrors.ErrSchemaMismatch)
}
