package mgmt

import (
	"context"
	"testing"

	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testH1   = topology.NodeAddr{Host: "h1", Port: 30000}
	testH2   = topology.NodeAddr{Host: "h2", Port: 30000}
	testCred = topology.NewCredential("secret")
)

func testDatabase(name string) topology.Database {
	return topology.Database{
		Name: name,
		Conf: []byte("[common]\nkey=value\n"),
		ShardMap: topology.ShardMap{
			GlobalDbName: name,
			Generation:   1,
			Entries: []topology.ShardEntry{
				{
					Range: topology.KeyRange{Low: 0, High: 256},
					Instance: topology.InstanceRef{
						NodeID:      topology.NodeIDFor(1, testH1),
						Addr:        testH1,
						HAGroupID:   1,
						LocalDbName: name,
					},
				},
			},
		},
	}
}

func testEntry(name string) topology.ShardEntry {
	return topology.ShardEntry{
		Range: topology.KeyRange{Low: 0, High: 256},
		Instance: topology.InstanceRef{
			NodeID:      topology.NodeIDFor(1, testH2),
			Addr:        testH2,
			HAGroupID:   1,
			LocalDbName: name,
		},
	}
}

func testNode() topology.Node {
	return topology.Node{
		ID:        topology.NodeIDFor(1, testH2),
		Addr:      testH2,
		HAGroupID: 1,
		Role:      topology.RoleSlave,
		Status:    topology.StatusUp,
		Version:   "2.1.0",
	}
}

func newSeededAuthority(t *testing.T) *InProcAuthority {
	auth := NewInProcAuthority(InProcAuthorityOptions{Endpoint: "m1"})
	require.NoError(t, auth.CreateDatabase(context.Background(), testDatabase("testdb"), testCred))
	require.NoError(t, auth.RegisterNode(context.Background(), topology.Node{
		ID: topology.NodeIDFor(1, testH1), Addr: testH1, HAGroupID: 1, Role: topology.RoleMaster,
	}))
	return auth
}

func testPublishRequest(t *testing.T, auth Authority) PublishRequest {
	db, err := auth.GetDatabase(context.Background(), "testdb")
	require.NoError(t, err)

	next, err := db.ShardMap.WithAppended([]topology.ShardEntry{testEntry("testdb")})
	require.NoError(t, err)

	return PublishRequest{
		GlobalDbName: "testdb",
		Expected:     db.ShardMap.Generation,
		Next:         next,
		Nodes:        []topology.Node{testNode()},
		Credential:   testCred,
	}
}

func TestInProcPublish(t *testing.T) {
	ctx := context.Background()
	auth := newSeededAuthority(t)

	err := auth.Publish(ctx, testPublishRequest(t, auth))
	require.NoError(t, err)

	gen, err := auth.QueryGeneration(ctx, "testdb")
	require.NoError(t, err)
	assert.EqualValues(t, 2, gen)

	nodes, err := auth.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, topology.NodeIDFor(1, testH2), nodes[1].ID)
	assert.Empty(t, nodes[1].Status)
	assert.Empty(t, nodes[1].Version)

	assert.Equal(t, 1, auth.Publishes())
}

func TestInProcPublishStale(t *testing.T) {
	ctx := context.Background()
	auth := newSeededAuthority(t)

	req := testPublishRequest(t, auth)
	require.NoError(t, auth.Publish(ctx, req))

	// the same request again now targets an old generation
	err := auth.Publish(ctx, req)
	require.ErrorIs(t, err, adminerrors.ErrStaleView)
	assert.Equal(t, 1, auth.Publishes())
}

func TestInProcPublishRejectsWrongCredential(t *testing.T) {
	auth := newSeededAuthority(t)

	req := testPublishRequest(t, auth)
	req.Credential = topology.NewCredential("wrong")

	err := auth.Publish(context.Background(), req)
	require.ErrorIs(t, err, adminerrors.ErrAuthDenied)
}

func TestInProcPublishRejectsGenerationSkip(t *testing.T) {
	auth := newSeededAuthority(t)

	req := testPublishRequest(t, auth)
	req.Next.Generation += 1

	err := auth.Publish(context.Background(), req)
	require.ErrorIs(t, err, adminerrors.ErrRejected)
}

func TestInProcReplicasShareState(t *testing.T) {
	ctx := context.Background()
	auth := newSeededAuthority(t)
	replica := auth.Replica("m2")

	require.NoError(t, replica.Publish(ctx, testPublishRequest(t, replica)))

	gen, err := auth.QueryGeneration(ctx, "testdb")
	require.NoError(t, err)
	assert.EqualValues(t, 2, gen)

	replica.SetUnreachable(true)
	_, err = replica.ListDatabases(ctx)
	require.ErrorIs(t, err, adminerrors.ErrUnreachable)

	_, err = auth.ListDatabases(ctx)
	require.NoError(t, err)
}

func TestInProcCreateDatabaseTwice(t *testing.T) {
	auth := newSeededAuthority(t)

	err := auth.CreateDatabase(context.Background(), testDatabase("testdb"), testCred)
	require.ErrorIs(t, err, adminerrors.ErrConflict)
}

func TestInProcGetMissingDatabase(t *testing.T) {
	auth := newSeededAuthority(t)

	_, err := auth.GetDatabase(context.Background(), "missing")
	require.ErrorIs(t, err, adminerrors.ErrSchemaMismatch)
}
