package mgmt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/topology"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type EtcdAuthorityOptions struct {
	Logger     *zap.Logger
	EtcdClient *etcd.Client
	Endpoint   string
	KeyPrefix  string
	OpTimeout  time.Duration
}

// EtcdAuthority stores the shard management records in etcd.  Each database
// is a single key holding its conf, credential digest and current shard map,
// and each node is a key of its own.  Publishes are transactions guarded by
// the mod revision of the database key.
type EtcdAuthority struct {
	logger     *zap.Logger
	etcdClient *etcd.Client
	endpoint   string
	keyPrefix  string
	opTimeout  time.Duration
}

var _ Authority = (*EtcdAuthority)(nil)
var _ Bootstrapper = (*EtcdAuthority)(nil)

func NewEtcdAuthority(opts EtcdAuthorityOptions) (*EtcdAuthority, error) {
	if opts.EtcdClient == nil {
		return nil, errors.New("an etcd client is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opTimeout := opts.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}

	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = "etcd"
	}

	return &EtcdAuthority{
		logger:     logger,
		etcdClient: opts.EtcdClient,
		endpoint:   endpoint,
		keyPrefix:  opts.KeyPrefix,
		opTimeout:  opTimeout,
	}, nil
}

func (a *EtcdAuthority) Endpoint() string {
	return a.endpoint
}

func (a *EtcdAuthority) dbPrefix() string {
	return a.keyPrefix + "/db/"
}

func (a *EtcdAuthority) nodePrefix() string {
	return a.keyPrefix + "/node/"
}

func (a *EtcdAuthority) dbKey(name string) string {
	return a.dbPrefix() + name
}

func (a *EtcdAuthority) nodeKey(nodeID string) string {
	return a.nodePrefix() + nodeID
}

// classifyEtcdError maps an etcd client error onto the admin taxonomy.
func (a *EtcdAuthority) classifyEtcdError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return adminerrors.New(adminerrors.ErrCancelled, a.endpoint, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return adminerrors.New(adminerrors.ErrTimeout, a.endpoint, err)
	}

	switch {
	case errors.Is(err, rpctypes.ErrAuthFailed),
		errors.Is(err, rpctypes.ErrPermissionDenied),
		errors.Is(err, rpctypes.ErrInvalidAuthToken),
		errors.Is(err, rpctypes.ErrUserEmpty):
		return adminerrors.New(adminerrors.ErrAuthDenied, a.endpoint, err)
	case errors.Is(err, rpctypes.ErrNoLeader),
		errors.Is(err, rpctypes.ErrTimeout),
		errors.Is(err, rpctypes.ErrTimeoutDueToLeaderFail),
		errors.Is(err, rpctypes.ErrTimeoutDueToConnectionLost):
		return adminerrors.New(adminerrors.ErrTimeout, a.endpoint, err)
	}

	switch status.Code(err) {
	case codes.Unavailable:
		return adminerrors.New(adminerrors.ErrUnreachable, a.endpoint, err)
	case codes.DeadlineExceeded:
		return adminerrors.New(adminerrors.ErrTimeout, a.endpoint, err)
	case codes.PermissionDenied, codes.Unauthenticated:
		return adminerrors.New(adminerrors.ErrAuthDenied, a.endpoint, err)
	}

	return adminerrors.New(adminerrors.ErrUnexpected, a.endpoint, err)
}

func (a *EtcdAuthority) CreateDatabase(ctx context.Context, db topology.Database, cred topology.Credential) error {
	opCtx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()

	rec, err := newDatabaseRecord(db, cred)
	if err != nil {
		return err
	}

	data, err := encodeJSON(rec)
	if err != nil {
		return err
	}

	key := a.dbKey(db.Name)
	resp, err := a.etcdClient.Txn(opCtx).
		If(etcd.Compare(etcd.CreateRevision(key), "=", 0)).
		Then(etcd.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return a.classifyEtcdError(ctx, err)
	}

	if !resp.Succeeded {
		return adminerrors.Newf(adminerrors.ErrConflict, db.Name, "database already exists")
	}

	return nil
}

func (a *EtcdAuthority) RegisterNode(ctx context.Context, node topology.Node) error {
	opCtx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()

	data, err := encodeNodeRecord(node)
	if err != nil {
		return err
	}

	_, err = a.etcdClient.Put(opCtx, a.nodeKey(node.ID), string(data))
	if err != nil {
		return a.classifyEtcdError(ctx, err)
	}

	return nil
}

func (a *EtcdAuthority) ListDatabases(ctx context.Context) ([]topology.Database, error) {
	opCtx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()

	resp, err := a.etcdClient.Get(opCtx, a.dbPrefix(), etcd.WithPrefix())
	if err != nil {
		return nil, a.classifyEtcdError(ctx, err)
	}

	dbs := make([]topology.Database, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rec, err := decodeDatabaseRecord(kv.Value)
		if err != nil {
			return nil, err
		}
		dbs = append(dbs, rec.Database())
	}
	sort.Slice(dbs, func(i, j int) bool { return dbs[i].Name < dbs[j].Name })

	return dbs, nil
}

func (a *EtcdAuthority) ListNodes(ctx context.Context) ([]topology.Node, error) {
	opCtx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()

	resp, err := a.etcdClient.Get(opCtx, a.nodePrefix(), etcd.WithPrefix())
	if err != nil {
		return nil, a.classifyEtcdError(ctx, err)
	}

	nodes := make([]topology.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		node, err := decodeNodeRecord(kv.Value)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	return nodes, nil
}

func (a *EtcdAuthority) getRecord(ctx context.Context, name string) (*databaseRecord, int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()

	resp, err := a.etcdClient.Get(opCtx, a.dbKey(name))
	if err != nil {
		return nil, 0, a.classifyEtcdError(ctx, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, 0, adminerrors.Newf(adminerrors.ErrSchemaMismatch, name, "no such database")
	}

	rec, err := decodeDatabaseRecord(resp.Kvs[0].Value)
	if err != nil {
		return nil, 0, err
	}

	return rec, resp.Kvs[0].ModRevision, nil
}

func (a *EtcdAuthority) GetDatabase(ctx context.Context, name string) (topology.Database, error) {
	rec, _, err := a.getRecord(ctx, name)
	if err != nil {
		return topology.Database{}, err
	}
	return rec.Database(), nil
}

func (a *EtcdAuthority) QueryGeneration(ctx context.Context, name string) (uint64, error) {
	rec, _, err := a.getRecord(ctx, name)
	if err != nil {
		return 0, err
	}
	return rec.ShardMap.Generation, nil
}

func (a *EtcdAuthority) Publish(ctx context.Context, req PublishRequest) error {
	err := req.validate()
	if err != nil {
		return adminerrors.New(adminerrors.ErrRejected, req.GlobalDbName, err)
	}

	rec, modRevision, err := a.getRecord(ctx, req.GlobalDbName)
	if err != nil {
		return err
	}

	err = rec.checkPublish(a.endpoint, &req)
	if err != nil {
		return err
	}

	rec.ShardMap = req.Next.Clone()
	data, err := encodeJSON(rec)
	if err != nil {
		return err
	}

	key := a.dbKey(req.GlobalDbName)
	ops := []etcd.Op{etcd.OpPut(key, string(data))}
	for _, node := range req.Nodes {
		nodeData, err := encodeNodeRecord(node)
		if err != nil {
			return err
		}
		ops = append(ops, etcd.OpPut(a.nodeKey(node.ID), string(nodeData)))
	}

	opCtx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()

	resp, err := a.etcdClient.Txn(opCtx).
		If(etcd.Compare(etcd.ModRevision(key), "=", modRevision)).
		Then(ops...).
		Commit()
	if err != nil {
		return a.classifyEtcdError(ctx, err)
	}

	if !resp.Succeeded {
		return adminerrors.Newf(adminerrors.ErrStaleView, req.GlobalDbName,
			fmt.Sprintf("database record changed after revision %d", modRevision))
	}

	a.logger.Debug("published shard map",
		zap.String("db", req.GlobalDbName),
		zap.Uint64("generation", req.Next.Generation),
		zap.Int64("revision", resp.Header.Revision))

	return nil
}

// Close does not close the etcd client, which belongs to the caller.
func (a *EtcdAuthority) Close() error {
	return nil
}
