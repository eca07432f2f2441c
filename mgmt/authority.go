// Package mgmt talks to the shard management authority: the component which
// owns the canonical shard map of every global database and accepts
// compare-and-swap publishes of new generations.
package mgmt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/topology"
)

// PublishRequest asks the authority to replace generation Expected of a
// database with Next, registering Nodes alongside.
type PublishRequest struct {
	GlobalDbName string
	Expected     uint64
	Next         topology.ShardMap
	Nodes        []topology.Node
	Credential   topology.Credential
}

func (r *PublishRequest) validate() error {
	if r.Next.GlobalDbName != r.GlobalDbName {
		return fmt.Errorf("shard map for %q published under %q", r.Next.GlobalDbName, r.GlobalDbName)
	}
	if r.Next.Generation != r.Expected+1 {
		return fmt.Errorf("generation %d cannot follow generation %d", r.Next.Generation, r.Expected)
	}
	return nil
}

type Publisher interface {
	Endpoint() string

	// Publish atomically installs the next generation if, and only if, the
	// current generation equals the expected one.  A lost race is reported as
	// adminerrors.ErrStaleView.  The commit is durable when Publish returns nil.
	Publish(ctx context.Context, req PublishRequest) error
}

// Authority is one endpoint of the shard management authority.
type Authority interface {
	topology.Authority
	Publisher

	QueryGeneration(ctx context.Context, name string) (uint64, error)
	Close() error
}

// Bootstrapper is implemented by authorities which can be seeded with
// databases and nodes.
type Bootstrapper interface {
	CreateDatabase(ctx context.Context, db topology.Database, cred topology.Credential) error
	RegisterNode(ctx context.Context, node topology.Node) error
}

type databaseRecord struct {
	Name      string            `json:"name"`
	Conf      []byte            `json:"conf"`
	DbaHash   string            `json:"dba_hash"`
	ShardMap  topology.ShardMap `json:"shard_map"`
}

func newDatabaseRecord(db topology.Database, cred topology.Credential) (*databaseRecord, error) {
	hash, err := cred.Hash()
	if err != nil {
		return nil, fmt.Errorf("failed to hash the dba credential of %s: %w", db.Name, err)
	}

	db = db.Clone()
	db.ShardMap.GlobalDbName = db.Name
	return &databaseRecord{
		Name:     db.Name,
		Conf:     db.Conf,
		DbaHash:  hash,
		ShardMap: db.ShardMap,
	}, nil
}

func (r *databaseRecord) Database() topology.Database {
	return topology.Database{
		Name:     r.Name,
		Conf:     r.Conf,
		ShardMap: r.ShardMap,
	}.Clone()
}

// checkPublish verifies a publish against the record currently stored.
func (r *databaseRecord) checkPublish(endpoint string, req *PublishRequest) error {
	if !req.Credential.Matches(r.DbaHash) {
		return adminerrors.Newf(adminerrors.ErrAuthDenied, req.GlobalDbName,
			"dba credential rejected by "+endpoint)
	}

	if r.ShardMap.Generation != req.Expected {
		return adminerrors.Newf(adminerrors.ErrStaleView, req.GlobalDbName,
			fmt.Sprintf("current generation is %d, expected %d", r.ShardMap.Generation, req.Expected))
	}

	return nil
}

func decodeDatabaseRecord(data []byte) (*databaseRecord, error) {
	var rec databaseRecord
	err := json.Unmarshal(data, &rec)
	if err != nil {
		return nil, adminerrors.New(adminerrors.ErrUnexpected, "", fmt.Errorf("corrupt database record: %w", err))
	}
	return &rec, nil
}

func decodeNodeRecord(data []byte) (topology.Node, error) {
	var node topology.Node
	err := json.Unmarshal(data, &node)
	if err != nil {
		return topology.Node{}, adminerrors.New(adminerrors.ErrUnexpected, "", fmt.Errorf("corrupt node record: %w", err))
	}

	// liveness is never stored, it is always discovered
	node.Status = ""
	node.Version = ""
	return node, nil
}

func encodeNodeRecord(node topology.Node) ([]byte, error) {
	node.Status = ""
	node.Version = ""
	return encodeJSON(node)
}

func encodeJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, adminerrors.New(adminerrors.ErrUnexpected, "", err)
	}
	return data, nil
}
