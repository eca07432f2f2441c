// Package nodeadmin implements the admin protocol spoken to the agent running
// on every database node: handshakes, file staging, database directories and
// instance lifecycle.
package nodeadmin

import (
	"context"

	"github.com/ryedb/shardadmin/topology"
)

// StartMode selects how an instance comes up.  Registered instances accept
// admin traffic but are not routed to until they appear in a shard map.
type StartMode string

const (
	StartRegistered StartMode = "registered"
	StartRouted     StartMode = "routed"
)

type HandshakeResponse struct {
	Version string              `json:"version"`
	Status  topology.NodeStatus `json:"status"`
}

type InstancesResponse struct {
	Instances []topology.Instance `json:"instances"`
}

type PushFileRequest struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

type StartInstanceRequest struct {
	GlobalDbName string    `json:"global_db_name"`
	LocalDbName  string    `json:"local_db_name"`
	Mode         StartMode `json:"mode"`
}

// Client is the caller side of the node admin protocol.
type Client interface {
	topology.NodeAgent

	PushFile(ctx context.Context, addr topology.NodeAddr, name string, data []byte) error
	RemoveFile(ctx context.Context, addr topology.NodeAddr, name string) error
	CreateDbDir(ctx context.Context, addr topology.NodeAddr, db string) error
	RemoveDbDir(ctx context.Context, addr topology.NodeAddr, db string) error
	StartInstance(ctx context.Context, addr topology.NodeAddr, req StartInstanceRequest) error
	StopInstance(ctx context.Context, addr topology.NodeAddr, db string) error
}

// Agent is what a node does in response to the protocol.
type Agent interface {
	Handshake(ctx context.Context) (HandshakeResponse, error)
	ListInstances(ctx context.Context) ([]topology.Instance, error)
	PushFile(ctx context.Context, name string, data []byte) error
	RemoveFile(ctx context.Context, name string) error
	CreateDbDir(ctx context.Context, db string) error
	RemoveDbDir(ctx context.Context, db string) error
	StartInstance(ctx context.Context, req StartInstanceRequest) error
	StopInstance(ctx context.Context, db string) error
}
