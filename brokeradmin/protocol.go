// Package brokeradmin implements the admin protocol of the brokers which
// route client traffic to shard instances.  Restarts and generation reports
// travel over HTTP/JSON, liveness over the standard gRPC health service.
package brokeradmin

import (
	"context"

	"github.com/ryedb/shardadmin/topology"
)

// Broker locates the broker running next to a node.
type Broker struct {
	NodeID     string
	HAGroupID  int
	AdminAddr  string
	HealthAddr string
}

type RestartRequest struct {
	Graceful bool `json:"graceful"`
}

type GenerationResponse struct {
	GlobalDbName string `json:"global_db_name"`
	Generation   uint64 `json:"generation"`
}

type Client interface {
	// Restart asks the broker to restart and reload its shard maps.  It returns
	// once the restart was accepted, not when it completes.
	Restart(ctx context.Context, b Broker, cred topology.Credential) error
	Generation(ctx context.Context, b Broker, db string) (uint64, error)
	Healthy(ctx context.Context, b Broker) (bool, error)
}

// Service is the broker side of the protocol.  Health is served separately
// through the grpc health server.
type Service interface {
	Restart(ctx context.Context, cred topology.Credential) error
	Generation(ctx context.Context, db string) (uint64, error)
}

// Locator finds the broker of a node.
type Locator interface {
	BrokerFor(node topology.Node) Broker
}

// PortLocator places brokers on the host of their node at fixed ports.
type PortLocator struct {
	AdminPort  int
	HealthPort int
}

func (l PortLocator) BrokerFor(node topology.Node) Broker {
	return Broker{
		NodeID:     node.ID,
		HAGroupID:  node.HAGroupID,
		AdminAddr:  topology.NodeAddr{Host: node.Addr.Host, Port: l.AdminPort}.String(),
		HealthAddr: topology.NodeAddr{Host: node.Addr.Host, Port: l.HealthPort}.String(),
	}
}
