// Package validator checks a requested cluster extension against the probed
// topology before anything in the cluster is touched.
package validator

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/plan"
	"github.com/ryedb/shardadmin/topology"
	"github.com/ryedb/shardadmin/utils/confcanon"
	"github.com/ryedb/shardadmin/utils/sliceutils"
	"golang.org/x/exp/slices"
)

// Validate returns the first violated precondition of req against snap, or
// nil when the request may proceed.  Nothing is accepted partially.
func Validate(req *plan.AddRequest, snap *topology.Snapshot) error {
	checks := []func(*plan.AddRequest, *topology.Snapshot) error{
		checkShape,
		checkNodesAreNew,
		checkDatabasesExist,
		checkVersions,
		checkHAGroup,
		checkConf,
	}

	for _, check := range checks {
		err := check(req, snap)
		if err != nil {
			return err
		}
	}

	return nil
}

func haGroupEntity(id int) string {
	return "ha_group_id=" + strconv.Itoa(id)
}

func checkShape(req *plan.AddRequest, snap *topology.Snapshot) error {
	if len(req.AddNodes) == 0 {
		return adminerrors.Newf(adminerrors.ErrConflict, "add_nodes", "no nodes to add")
	}
	if len(req.GlobalDbNames) == 0 {
		return adminerrors.Newf(adminerrors.ErrConflict, "global_db_names", "no databases named")
	}

	if dup, ok := sliceutils.FirstDuplicate(req.AddNodes); ok {
		return adminerrors.Newf(adminerrors.ErrConflict, dup.String(), "node is listed twice")
	}
	if dup, ok := sliceutils.FirstDuplicate(req.GlobalDbNames); ok {
		return adminerrors.Newf(adminerrors.ErrConflict, dup, "database is listed twice")
	}

	for _, db := range req.GlobalDbNames {
		if req.Credential(db).IsZero() {
			return adminerrors.Newf(adminerrors.ErrConflict, db, "no dba credential given")
		}
	}

	if req.Policy == nil {
		return adminerrors.Newf(adminerrors.ErrConflict, "policy", "no placement policy given")
	}
	if req.HAGroupID <= 0 {
		return adminerrors.Newf(adminerrors.ErrConflict, haGroupEntity(req.HAGroupID), "ha group ids are positive")
	}

	return nil
}

// checkNodesAreNew rejects added nodes the cluster already knows.  When
// resuming, a node may be known only as this request would have left it.
func checkNodesAreNew(req *plan.AddRequest, snap *topology.Snapshot) error {
	for _, addr := range req.AddNodes {
		if !snap.ContainsAddr(addr) {
			continue
		}
		if !req.Resume {
			return adminerrors.Newf(adminerrors.ErrConflict, addr.String(), "node is already part of the cluster")
		}

		if node, ok := snap.NodeByAddr(addr); ok && node.HAGroupID != req.HAGroupID {
			return adminerrors.Newf(adminerrors.ErrConflict, addr.String(),
				fmt.Sprintf("node is registered in ha group %d", node.HAGroupID))
		}

		for _, name := range snap.DatabaseNames() {
			db, _ := snap.Database(name)
			if !db.ShardMap.HasAddr(addr) {
				continue
			}
			if !slices.Contains(req.GlobalDbNames, name) {
				return adminerrors.Newf(adminerrors.ErrConflict, addr.String(),
					"node already serves "+name)
			}

			planned := req.EntriesFor(addr, name, db.ShardMap)
			for _, entry := range db.ShardMap.Entries {
				if entry.Instance.Addr == addr && !slices.Contains(planned, entry) {
					return adminerrors.Newf(adminerrors.ErrConflict, addr.String(),
						"node serves "+name+" differently than requested")
				}
			}
		}
	}

	return nil
}

func checkDatabasesExist(req *plan.AddRequest, snap *topology.Snapshot) error {
	for _, db := range req.GlobalDbNames {
		if _, ok := snap.Database(db); !ok {
			return adminerrors.Newf(adminerrors.ErrSchemaMismatch, db, "database does not exist")
		}
	}
	return nil
}

// majorityVersion is the most common version among reachable nodes, ties
// going to the lowest version string.  It is empty when no version is known.
func majorityVersion(req *plan.AddRequest, snap *topology.Snapshot) string {
	counts := make(map[string]int)
	for _, node := range snap.Nodes() {
		if node.Status != topology.StatusUp || node.Version == "" {
			continue
		}
		if slices.Contains(req.AddNodes, node.Addr) {
			continue
		}
		counts[node.Version]++
	}

	versions := make([]string, 0, len(counts))
	for version := range counts {
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool {
		if counts[versions[i]] != counts[versions[j]] {
			return counts[versions[i]] > counts[versions[j]]
		}
		return versions[i] < versions[j]
	})

	if len(versions) == 0 {
		return ""
	}
	return versions[0]
}

func checkVersions(req *plan.AddRequest, snap *topology.Snapshot) error {
	majority := majorityVersion(req, snap)
	if majority == "" {
		return nil
	}

	for _, addr := range req.AddNodes {
		hs, ok := snap.Target(addr)
		if !ok {
			return adminerrors.Newf(adminerrors.ErrUnreachable, addr.String(), "node was not handshaken")
		}
		if hs.Version != majority {
			return adminerrors.Newf(adminerrors.ErrVersionMismatch, addr.String(),
				fmt.Sprintf("node runs %s, cluster runs %s", hs.Version, majority))
		}
	}

	return nil
}

func checkHAGroup(req *plan.AddRequest, snap *topology.Snapshot) error {
	entity := haGroupEntity(req.HAGroupID)

	switch req.Policy.(type) {
	case plan.NewInstance:
		for _, name := range req.GlobalDbNames {
			db, _ := snap.Database(name)
			if len(req.EntriesFor(topology.NodeAddr{}, name, db.ShardMap)) == 0 {
				return adminerrors.Newf(adminerrors.ErrConflict, entity,
					"no cohort with this id serves "+name)
			}
		}

	case plan.NewNode:
		for _, node := range snap.HAGroupNodes(req.HAGroupID) {
			if !slices.Contains(req.AddNodes, node.Addr) {
				return adminerrors.Newf(adminerrors.ErrConflict, entity,
					"ha group is already used by "+node.Addr.String())
			}
		}
		for _, name := range snap.DatabaseNames() {
			db, _ := snap.Database(name)
			for _, entry := range db.ShardMap.Entries {
				if entry.Instance.HAGroupID == req.HAGroupID && !slices.Contains(req.AddNodes, entry.Instance.Addr) {
					return adminerrors.Newf(adminerrors.ErrConflict, entity,
						"ha group already serves "+name)
				}
			}
		}
	}

	return nil
}

func checkConf(req *plan.AddRequest, snap *topology.Snapshot) error {
	for _, name := range req.GlobalDbNames {
		db, _ := snap.Database(name)

		eq, err := confcanon.Equal(req.RyeConf, db.Conf)
		if err != nil {
			return adminerrors.New(adminerrors.ErrSchemaMismatch, name, fmt.Errorf("unreadable conf: %w", err))
		}
		if !eq {
			return adminerrors.Newf(adminerrors.ErrSchemaMismatch, name,
				"conf differs from the conf the database runs with")
		}
	}
	return nil
}
