package topology

import (
	"sort"
	"time"

	"golang.org/x/exp/slices"
)

// Handshake is the result of the lightweight handshake with a node that is
// not part of the cluster yet.
type Handshake struct {
	Addr    NodeAddr   `json:"addr"`
	Version string     `json:"version"`
	Status  NodeStatus `json:"status"`
}

type SnapshotOptions struct {
	TakenAt   time.Time
	Nodes     []Node
	Instances map[string][]Instance
	Databases []Database
	Targets   []Handshake
}

// Snapshot is an immutable view of the cluster at the moment it was probed.
// All accessors return copies.
type Snapshot struct {
	takenAt   time.Time
	nodes     []Node
	instances map[string][]Instance
	databases map[string]Database
	targets   map[NodeAddr]Handshake
}

func NewSnapshot(opts SnapshotOptions) *Snapshot {
	s := &Snapshot{
		takenAt:   opts.TakenAt,
		nodes:     slices.Clone(opts.Nodes),
		instances: make(map[string][]Instance, len(opts.Instances)),
		databases: make(map[string]Database, len(opts.Databases)),
		targets:   make(map[NodeAddr]Handshake, len(opts.Targets)),
	}

	sort.Slice(s.nodes, func(i, j int) bool {
		return s.nodes[i].ID < s.nodes[j].ID
	})

	for nodeID, instances := range opts.Instances {
		s.instances[nodeID] = slices.Clone(instances)
	}
	for _, db := range opts.Databases {
		s.databases[db.Name] = db.Clone()
	}
	for _, target := range opts.Targets {
		s.targets[target.Addr] = target
	}

	return s
}

func (s *Snapshot) TakenAt() time.Time {
	return s.takenAt
}

func (s *Snapshot) Nodes() []Node {
	return slices.Clone(s.nodes)
}

func (s *Snapshot) Node(nodeID string) (Node, bool) {
	idx := slices.IndexFunc(s.nodes, func(n Node) bool { return n.ID == nodeID })
	if idx == -1 {
		return Node{}, false
	}
	return s.nodes[idx], true
}

func (s *Snapshot) NodeByAddr(addr NodeAddr) (Node, bool) {
	idx := slices.IndexFunc(s.nodes, func(n Node) bool { return n.Addr == addr })
	if idx == -1 {
		return Node{}, false
	}
	return s.nodes[idx], true
}

func (s *Snapshot) Instances(nodeID string) []Instance {
	return slices.Clone(s.instances[nodeID])
}

func (s *Snapshot) Database(name string) (Database, bool) {
	db, ok := s.databases[name]
	if !ok {
		return Database{}, false
	}
	return db.Clone(), true
}

func (s *Snapshot) DatabaseNames() []string {
	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (s *Snapshot) Target(addr NodeAddr) (Handshake, bool) {
	hs, ok := s.targets[addr]
	return hs, ok
}

// ContainsAddr reports whether a host is known to the cluster, either as a
// registered node or as an instance in any shard map.
func (s *Snapshot) ContainsAddr(addr NodeAddr) bool {
	if _, ok := s.NodeByAddr(addr); ok {
		return true
	}
	for _, db := range s.databases {
		if db.ShardMap.HasAddr(addr) {
			return true
		}
	}
	return false
}

// HAGroupNodes returns the registered nodes of one HA group.
func (s *Snapshot) HAGroupNodes(haGroupID int) []Node {
	var nodes []Node
	for _, node := range s.nodes {
		if node.HAGroupID == haGroupID {
			nodes = append(nodes, node)
		}
	}
	return nodes
}
