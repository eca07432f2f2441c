// Package plan describes a requested cluster extension and derives from it,
// given a topology snapshot, the concrete instances and shard entries which
// the extension adds.
package plan

import (
	"fmt"

	"github.com/ryedb/shardadmin/topology"
	"golang.org/x/exp/slices"
)

// PlacementPolicy decides how added nodes enter the cluster.  It is one of
// NewInstance or NewNode.
type PlacementPolicy interface {
	fmt.Stringer
	isPlacementPolicy()
}

// NewInstance adds nodes as replicas of an existing cohort: every added
// instance serves the key ranges the cohort already serves.
type NewInstance struct{}

// NewNode adds nodes as a new cohort which does not serve any key range yet.
type NewNode struct{}

func (NewInstance) isPlacementPolicy() {}
func (NewNode) isPlacementPolicy()     {}

func (NewInstance) String() string { return "new-instance" }
func (NewNode) String() string     { return "new-node" }

type AddRequest struct {
	AddNodes      []topology.NodeAddr
	GlobalDbNames []string
	DbaPasswords  map[string]topology.Credential
	HAGroupID     int
	BrokerACL     []byte
	RyeConf       []byte
	Policy        PlacementPolicy

	// Resume lets added nodes which an earlier run already registered pass
	// validation, so that an interrupted run can be completed.
	Resume bool
}

func (r *AddRequest) Credential(db string) topology.Credential {
	return r.DbaPasswords[db]
}

// FirstCredential is the credential of the first requested database.
func (r *AddRequest) FirstCredential() topology.Credential {
	if len(r.GlobalDbNames) == 0 {
		return topology.Credential{}
	}
	return r.Credential(r.GlobalDbNames[0])
}

// NodeFor returns the node record an added host will be registered with.
func (r *AddRequest) NodeFor(addr topology.NodeAddr, version string) topology.Node {
	role := topology.RoleSlave
	if _, ok := r.Policy.(NewNode); ok && len(r.AddNodes) > 0 && r.AddNodes[0] == addr {
		role = topology.RoleMaster
	}

	return topology.Node{
		ID:        topology.NodeIDFor(r.HAGroupID, addr),
		Addr:      addr,
		HAGroupID: r.HAGroupID,
		Role:      role,
		Version:   version,
		Status:    topology.StatusUp,
	}
}

// EntriesFor returns the shard entries an added host contributes to a
// database whose current shard map is m.
func (r *AddRequest) EntriesFor(addr topology.NodeAddr, db string, m topology.ShardMap) []topology.ShardEntry {
	ref := topology.InstanceRef{
		NodeID:      topology.NodeIDFor(r.HAGroupID, addr),
		Addr:        addr,
		HAGroupID:   r.HAGroupID,
		LocalDbName: db,
	}

	switch r.Policy.(type) {
	case NewNode:
		return []topology.ShardEntry{{Range: topology.KeyRange{}, Instance: ref}}
	case NewInstance:
		var entries []topology.ShardEntry
		for _, kr := range cohortRanges(m, r.HAGroupID, addr) {
			entries = append(entries, topology.ShardEntry{Range: kr, Instance: ref})
		}
		return entries
	}

	return nil
}

// cohortRanges are the ranges served by a cohort not counting the entries of
// the host being added, which a resumed run may already have published.
func cohortRanges(m topology.ShardMap, haGroupID int, addr topology.NodeAddr) []topology.KeyRange {
	var ranges []topology.KeyRange
	for _, entry := range m.Entries {
		if entry.Instance.HAGroupID != haGroupID || entry.Instance.Addr == addr {
			continue
		}
		if !slices.Contains(ranges, entry.Range) {
			ranges = append(ranges, entry.Range)
		}
	}
	return ranges
}

// NodeTarget is the work left on one added host.
type NodeTarget struct {
	Node topology.Node

	// Dbs are the databases which still need an instance on the node.
	Dbs []string

	// Fresh is set when no earlier run registered the node, in which case the
	// files staged on it are owned by this run.
	Fresh bool
}

type Plan struct {
	Targets []NodeTarget

	// Entries are the shard entries to publish per database.  Databases with
	// nothing left to publish are absent.
	Entries map[string][]topology.ShardEntry

	// Done are the added hosts for which nothing is left to do.
	Done []topology.NodeAddr
}

// NodesFor returns the node records to register alongside a database's
// entries.
func (p *Plan) NodesFor(db string) []topology.Node {
	var nodes []topology.Node
	for _, target := range p.Targets {
		if slices.Contains(target.Dbs, db) {
			nodes = append(nodes, target.Node)
		}
	}
	return nodes
}

// Databases are the databases which still have entries to publish, in
// request order.
func (p *Plan) Databases(req *AddRequest) []string {
	var dbs []string
	for _, db := range req.GlobalDbNames {
		if len(p.Entries[db]) > 0 {
			dbs = append(dbs, db)
		}
	}
	return dbs
}

// Build derives the plan for a validated request.
func Build(req *AddRequest, snap *topology.Snapshot) (*Plan, error) {
	p := &Plan{
		Entries: make(map[string][]topology.ShardEntry),
	}

	for _, addr := range req.AddNodes {
		hs, ok := snap.Target(addr)
		if !ok {
			return nil, fmt.Errorf("no handshake recorded for %s", addr)
		}

		_, registered := snap.NodeByAddr(addr)
		target := NodeTarget{
			Node:  req.NodeFor(addr, hs.Version),
			Fresh: !registered,
		}

		for _, db := range req.GlobalDbNames {
			dbInfo, ok := snap.Database(db)
			if !ok {
				return nil, fmt.Errorf("database %s is not in the snapshot", db)
			}

			entries := req.EntriesFor(addr, db, dbInfo.ShardMap)
			if len(entries) == 0 {
				return nil, fmt.Errorf("cohort %d serves no key range in %s", req.HAGroupID, db)
			}
			if dbInfo.ShardMap.Contains(entries) {
				continue
			}

			target.Dbs = append(target.Dbs, db)
			p.Entries[db] = append(p.Entries[db], entries...)
		}

		if len(target.Dbs) == 0 {
			p.Done = append(p.Done, addr)
			continue
		}
		p.Targets = append(p.Targets, target)
	}

	return p, nil
}
