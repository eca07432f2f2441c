package validator

import (
	"testing"

	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/plan"
	"github.com/ryedb/shardadmin/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	h1 = topology.NodeAddr{Host: "h1", Port: 30000}
	h2 = topology.NodeAddr{Host: "h2", Port: 30000}
	h3 = topology.NodeAddr{Host: "h3", Port: 30000}
	h4 = topology.NodeAddr{Host: "h4", Port: 30000}
)

const testConf = "[common]\nservice=server,broker\n"

func entryFor(addr topology.NodeAddr, group int, db string, kr topology.KeyRange) topology.ShardEntry {
	return topology.ShardEntry{
		Range: kr,
		Instance: topology.InstanceRef{
			NodeID:      topology.NodeIDFor(group, addr),
			Addr:        addr,
			HAGroupID:   group,
			LocalDbName: db,
		},
	}
}

// testSnapshot is a cluster of two cohorts, h1 in group 1 and h2 in group 2,
// serving testdb at generation 7, with h3 and h4 handshaken as targets.
func testSnapshot(extra ...topology.ShardEntry) *topology.Snapshot {
	nodes := []topology.Node{
		{ID: topology.NodeIDFor(1, h1), Addr: h1, HAGroupID: 1, Role: topology.RoleMaster, Version: "2.1.0", Status: topology.StatusUp},
		{ID: topology.NodeIDFor(2, h2), Addr: h2, HAGroupID: 2, Role: topology.RoleMaster, Version: "2.1.0", Status: topology.StatusUp},
	}

	entries := []topology.ShardEntry{
		entryFor(h1, 1, "testdb", topology.KeyRange{Low: 0, High: 128}),
		entryFor(h2, 2, "testdb", topology.KeyRange{Low: 128, High: 256}),
	}
	entries = append(entries, extra...)

	return topology.NewSnapshot(topology.SnapshotOptions{
		Nodes: nodes,
		Databases: []topology.Database{{
			Name:     "testdb",
			Conf:     []byte(testConf),
			ShardMap: topology.ShardMap{GlobalDbName: "testdb", Generation: 7, Entries: entries},
		}},
		Targets: []topology.Handshake{
			{Addr: h3, Version: "2.1.0", Status: topology.StatusUp},
			{Addr: h4, Version: "2.0.9", Status: topology.StatusUp},
		},
	})
}

func testRequest() *plan.AddRequest {
	return &plan.AddRequest{
		AddNodes:      []topology.NodeAddr{h3},
		GlobalDbNames: []string{"testdb"},
		DbaPasswords:  map[string]topology.Credential{"testdb": topology.NewCredential("secret")},
		HAGroupID:     1,
		RyeConf:       []byte("# same conf\n[COMMON]\nservice = server,broker\n"),
		Policy:        plan.NewInstance{},
	}
}

func requireViolation(t *testing.T, err error, kind error, entity string) {
	t.Helper()
	require.ErrorIs(t, err, kind)
	assert.Equal(t, entity, adminerrors.EntityOf(err))
	assert.Equal(t, adminerrors.ExitValidation, adminerrors.ExitCode(err))
}

func TestValidRequest(t *testing.T) {
	require.NoError(t, Validate(testRequest(), testSnapshot()))
}

func TestRejectsEmptyLists(t *testing.T) {
	req := testRequest()
	req.AddNodes = nil
	requireViolation(t, Validate(req, testSnapshot()), adminerrors.ErrConflict, "add_nodes")

	req = testRequest()
	req.GlobalDbNames = nil
	requireViolation(t, Validate(req, testSnapshot()), adminerrors.ErrConflict, "global_db_names")
}

func TestRejectsDuplicates(t *testing.T) {
	req := testRequest()
	req.AddNodes = []topology.NodeAddr{h3, h3}
	requireViolation(t, Validate(req, testSnapshot()), adminerrors.ErrConflict, "h3:30000")

	req = testRequest()
	req.GlobalDbNames = []string{"testdb", "testdb"}
	requireViolation(t, Validate(req, testSnapshot()), adminerrors.ErrConflict, "testdb")
}

func TestRejectsMissingCredential(t *testing.T) {
	req := testRequest()
	req.DbaPasswords = nil
	requireViolation(t, Validate(req, testSnapshot()), adminerrors.ErrConflict, "testdb")
}

func TestRejectsExistingNode(t *testing.T) {
	req := testRequest()
	req.AddNodes = []topology.NodeAddr{h1}
	requireViolation(t, Validate(req, testSnapshot()), adminerrors.ErrConflict, "h1:30000")
}

func TestRejectsNodeKnownOnlyFromShardMap(t *testing.T) {
	snap := testSnapshot(entryFor(h3, 1, "testdb", topology.KeyRange{Low: 0, High: 128}))
	requireViolation(t, Validate(testRequest(), snap), adminerrors.ErrConflict, "h3:30000")
}

func TestResumeAcceptsNodesAddedEarlier(t *testing.T) {
	snap := testSnapshot(entryFor(h3, 1, "testdb", topology.KeyRange{Low: 0, High: 128}))

	req := testRequest()
	req.Resume = true
	require.NoError(t, Validate(req, snap))
}

func TestResumeRejectsDifferentPlacement(t *testing.T) {
	snap := testSnapshot(entryFor(h3, 2, "testdb", topology.KeyRange{Low: 128, High: 256}))

	req := testRequest()
	req.Resume = true
	requireViolation(t, Validate(req, snap), adminerrors.ErrConflict, "h3:30000")
}

func TestRejectsMissingDatabase(t *testing.T) {
	req := testRequest()
	req.GlobalDbNames = []string{"testdb", "other"}
	req.DbaPasswords["other"] = topology.NewCredential("secret")
	requireViolation(t, Validate(req, testSnapshot()), adminerrors.ErrSchemaMismatch, "other")
}

func TestRejectsVersionMismatch(t *testing.T) {
	req := testRequest()
	req.AddNodes = []topology.NodeAddr{h3, h4}
	requireViolation(t, Validate(req, testSnapshot()), adminerrors.ErrVersionMismatch, "h4:30000")
}

func TestVersionCheckSkippedWithoutKnownVersions(t *testing.T) {
	snap := topology.NewSnapshot(topology.SnapshotOptions{
		Databases: []topology.Database{{
			Name: "testdb",
			Conf: []byte(testConf),
			ShardMap: topology.ShardMap{GlobalDbName: "testdb", Generation: 1, Entries: []topology.ShardEntry{
				entryFor(h1, 1, "testdb", topology.KeyRange{Low: 0, High: 256}),
			}},
		}},
		Targets: []topology.Handshake{{Addr: h4, Version: "2.0.9", Status: topology.StatusUp}},
	})

	req := testRequest()
	req.AddNodes = []topology.NodeAddr{h4}
	require.NoError(t, Validate(req, snap))
}

func TestRejectsUnknownCohortForNewInstance(t *testing.T) {
	req := testRequest()
	req.HAGroupID = 3
	requireViolation(t, Validate(req, testSnapshot()), adminerrors.ErrConflict, "ha_group_id=3")
}

func TestNewNodeRequiresUnusedGroup(t *testing.T) {
	req := testRequest()
	req.Policy = plan.NewNode{}
	requireViolation(t, Validate(req, testSnapshot()), adminerrors.ErrConflict, "ha_group_id=1")

	req.HAGroupID = 3
	require.NoError(t, Validate(req, testSnapshot()))
}

func TestRejectsConfMismatch(t *testing.T) {
	req := testRequest()
	req.RyeConf = []byte("[common]\nservice=server\n")
	requireViolation(t, Validate(req, testSnapshot()), adminerrors.ErrSchemaMismatch, "testdb")

	req.RyeConf = []byte("[common\n")
	requireViolation(t, Validate(req, testSnapshot()), adminerrors.ErrSchemaMismatch, "testdb")
}

func TestFirstViolationWins(t *testing.T) {
	// both an existing node and a bad conf, the node check runs first
	req := testRequest()
	req.AddNodes = []topology.NodeAddr{h1}
	req.RyeConf = []byte("[common]\nservice=server\n")
	requireViolation(t, Validate(req, testSnapshot()), adminerrors.ErrConflict, "h1:30000")
}
