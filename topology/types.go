// Package topology models the nodes, instances and shard maps of a sharded
// cluster, and implements the probe which captures that model from the live
// cluster as an immutable Snapshot.
package topology

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/exp/slices"
)

// NodeAddr identifies a node by the host and port of its admin agent.
type NodeAddr struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (a NodeAddr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func ParseNodeAddr(s string) (NodeAddr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NodeAddr{}, fmt.Errorf("invalid node address %q: %w", s, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NodeAddr{}, fmt.Errorf("invalid port in node address %q", s)
	}

	if host == "" {
		return NodeAddr{}, fmt.Errorf("missing host in node address %q", s)
	}

	return NodeAddr{Host: host, Port: port}, nil
}

type Role string

const (
	RoleMaster Role = "master"
	RoleSlave  Role = "slave"
)

type NodeStatus string

const (
	StatusUp      NodeStatus = "up"
	StatusDown    NodeStatus = "down"
	StatusUnknown NodeStatus = "unknown"
)

type Node struct {
	ID        string     `json:"id"`
	Addr      NodeAddr   `json:"addr"`
	HAGroupID int        `json:"ha_group_id"`
	Role      Role       `json:"role"`
	Version   string     `json:"version,omitempty"`
	Status    NodeStatus `json:"status,omitempty"`
}

// NodeIDFor returns the stable node id assigned to a host when it joins an
// HA group.
func NodeIDFor(haGroupID int, addr NodeAddr) string {
	return fmt.Sprintf("%d@%s", haGroupID, addr)
}

type Instance struct {
	GlobalDbName string `json:"global_db_name"`
	NodeID       string `json:"node_id"`
	LocalDbName  string `json:"local_db_name"`
}

// KeyRange is a half open range of shard keys.  The zero value is an
// unassigned range, used by cohorts which have not been given data yet.
type KeyRange struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

func (r KeyRange) IsUnassigned() bool {
	return r.Low == 0 && r.High == 0
}

type InstanceRef struct {
	NodeID      string   `json:"node_id"`
	Addr        NodeAddr `json:"addr"`
	HAGroupID   int      `json:"ha_group_id"`
	LocalDbName string   `json:"local_db_name"`
}

type ShardEntry struct {
	Range    KeyRange    `json:"range"`
	Instance InstanceRef `json:"instance"`
}

// ShardMap is one generation of the assignment of key ranges to instances for
// a single global database.
type ShardMap struct {
	GlobalDbName string       `json:"global_db_name"`
	Generation   uint64       `json:"generation"`
	Entries      []ShardEntry `json:"entries"`
}

func (m ShardMap) Clone() ShardMap {
	m.Entries = slices.Clone(m.Entries)
	return m
}

func (m ShardMap) HasNode(nodeID string) bool {
	return slices.ContainsFunc(m.Entries, func(e ShardEntry) bool {
		return e.Instance.NodeID == nodeID
	})
}

func (m ShardMap) HasAddr(addr NodeAddr) bool {
	return slices.ContainsFunc(m.Entries, func(e ShardEntry) bool {
		return e.Instance.Addr == addr
	})
}

func (m ShardMap) HasCohort(haGroupID int) bool {
	return slices.ContainsFunc(m.Entries, func(e ShardEntry) bool {
		return e.Instance.HAGroupID == haGroupID
	})
}

// CohortRanges returns the distinct key ranges served by an HA group, in the
// order they first appear in the map.
func (m ShardMap) CohortRanges(haGroupID int) []KeyRange {
	var ranges []KeyRange
	for _, entry := range m.Entries {
		if entry.Instance.HAGroupID != haGroupID {
			continue
		}
		if !slices.Contains(ranges, entry.Range) {
			ranges = append(ranges, entry.Range)
		}
	}
	return ranges
}

// Contains reports whether every given entry is already part of the map.
func (m ShardMap) Contains(entries []ShardEntry) bool {
	for _, entry := range entries {
		if !slices.Contains(m.Entries, entry) {
			return false
		}
	}
	return true
}

// WithAppended returns the next generation of the map with the entries
// appended.  Instances must stay unique within a generation.
func (m ShardMap) WithAppended(entries []ShardEntry) (ShardMap, error) {
	next := m.Clone()
	next.Generation = m.Generation + 1

	for _, entry := range entries {
		if slices.Contains(next.Entries, entry) {
			return ShardMap{}, fmt.Errorf("instance %s/%s is already mapped in generation %d",
				entry.Instance.NodeID, entry.Instance.LocalDbName, m.Generation)
		}
		next.Entries = append(next.Entries, entry)
	}

	return next, nil
}

// Database is what the shard management authority stores for one global
// database.
type Database struct {
	Name     string   `json:"name"`
	Conf     []byte   `json:"conf"`
	ShardMap ShardMap `json:"shard_map"`
}

func (d Database) Clone() Database {
	d.Conf = slices.Clone(d.Conf)
	d.ShardMap = d.ShardMap.Clone()
	return d
}
