package mgmt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/topology"
	"go.uber.org/zap"
)

type ZkAuthorityOptions struct {
	Logger         *zap.Logger
	Servers        []string
	RootPath       string
	Endpoint       string
	SessionTimeout time.Duration
	ConnectTimeout time.Duration
}

// ZkAuthority stores the shard management records as znodes under RootPath.
// Publishes are multi-ops guarded by the data version of the database znode.
type ZkAuthority struct {
	logger   *zap.Logger
	conn     *zk.Conn
	rootPath string
	endpoint string
}

var _ Authority = (*ZkAuthority)(nil)
var _ Bootstrapper = (*ZkAuthority)(nil)

func NewZkAuthority(opts ZkAuthorityOptions) (*ZkAuthority, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New("at least one zookeeper server is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sessionTimeout := opts.SessionTimeout
	if sessionTimeout <= 0 {
		sessionTimeout = 5 * time.Second
	}

	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	rootPath := "/" + strings.Trim(opts.RootPath, "/")
	if rootPath == "/" {
		rootPath = "/shardadmin"
	}

	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = strings.Join(opts.Servers, ",")
	}

	conn, _, err := zk.Connect(opts.Servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, adminerrors.New(adminerrors.ErrUnreachable, endpoint, fmt.Errorf("zk connect: %w", err))
	}

	a := &ZkAuthority{
		logger:   logger,
		conn:     conn,
		rootPath: rootPath,
		endpoint: endpoint,
	}

	err = a.waitConnected(connectTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}

	for _, path := range []string{a.dbDir(), a.nodeDir()} {
		err = a.ensurePath(path)
		if err != nil {
			conn.Close()
			return nil, a.classifyZkError(context.Background(), err)
		}
	}

	return a, nil
}

func (a *ZkAuthority) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := a.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return adminerrors.Newf(adminerrors.ErrUnreachable, a.endpoint,
				fmt.Sprintf("not connected after %s, state=%v", timeout, st))
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func (a *ZkAuthority) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := a.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = a.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

func (a *ZkAuthority) Endpoint() string {
	return a.endpoint
}

func (a *ZkAuthority) dbDir() string {
	return a.rootPath + "/db"
}

func (a *ZkAuthority) nodeDir() string {
	return a.rootPath + "/node"
}

func (a *ZkAuthority) dbPath(name string) string {
	return a.dbDir() + "/" + name
}

func (a *ZkAuthority) nodePath(nodeID string) string {
	return a.nodeDir() + "/" + nodeID
}

func (a *ZkAuthority) classifyZkError(ctx context.Context, err error) error {
	var classified *adminerrors.Error
	if errors.As(err, &classified) {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return adminerrors.New(adminerrors.ErrCancelled, a.endpoint, err)
	case errors.Is(err, context.DeadlineExceeded):
		return adminerrors.New(adminerrors.ErrTimeout, a.endpoint, err)
	case errors.Is(err, zk.ErrNoAuth), errors.Is(err, zk.ErrAuthFailed):
		return adminerrors.New(adminerrors.ErrAuthDenied, a.endpoint, err)
	case errors.Is(err, zk.ErrBadVersion):
		return adminerrors.New(adminerrors.ErrStaleView, a.endpoint, err)
	case errors.Is(err, zk.ErrNoServer),
		errors.Is(err, zk.ErrConnectionClosed),
		errors.Is(err, zk.ErrSessionExpired),
		errors.Is(err, zk.ErrClosing):
		return adminerrors.New(adminerrors.ErrUnreachable, a.endpoint, err)
	}

	return adminerrors.New(adminerrors.ErrUnexpected, a.endpoint, err)
}

// do runs a zookeeper call, which cannot be cancelled, and stops waiting for
// it once ctx is done.  An abandoned call may still complete.
func (a *ZkAuthority) do(ctx context.Context, fn func() error) error {
	if ctx.Err() != nil {
		return a.classifyZkError(ctx, ctx.Err())
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- fn()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return a.classifyZkError(ctx, err)
		}
		return nil
	case <-ctx.Done():
		return a.classifyZkError(ctx, ctx.Err())
	}
}

func (a *ZkAuthority) CreateDatabase(ctx context.Context, db topology.Database, cred topology.Credential) error {
	rec, err := newDatabaseRecord(db, cred)
	if err != nil {
		return err
	}

	data, err := encodeJSON(rec)
	if err != nil {
		return err
	}

	return a.do(ctx, func() error {
		_, err := a.conn.Create(a.dbPath(db.Name), data, 0, zk.WorldACL(zk.PermAll))
		if errors.Is(err, zk.ErrNodeExists) {
			return adminerrors.Newf(adminerrors.ErrConflict, db.Name, "database already exists")
		}
		return err
	})
}

func (a *ZkAuthority) nodeOp(node topology.Node) (interface{}, error) {
	data, err := encodeNodeRecord(node)
	if err != nil {
		return nil, err
	}

	path := a.nodePath(node.ID)
	exists, _, err := a.conn.Exists(path)
	if err != nil {
		return nil, err
	}

	if exists {
		return &zk.SetDataRequest{Path: path, Data: data, Version: -1}, nil
	}
	return &zk.CreateRequest{Path: path, Data: data, Acl: zk.WorldACL(zk.PermAll)}, nil
}

func (a *ZkAuthority) RegisterNode(ctx context.Context, node topology.Node) error {
	return a.do(ctx, func() error {
		op, err := a.nodeOp(node)
		if err != nil {
			return err
		}
		_, err = a.conn.Multi(op)
		return err
	})
}

func (a *ZkAuthority) ListDatabases(ctx context.Context) ([]topology.Database, error) {
	var dbs []topology.Database
	err := a.do(ctx, func() error {
		names, _, err := a.conn.Children(a.dbDir())
		if err != nil {
			return err
		}

		dbs = make([]topology.Database, 0, len(names))
		for _, name := range names {
			data, _, err := a.conn.Get(a.dbPath(name))
			if errors.Is(err, zk.ErrNoNode) {
				continue
			} else if err != nil {
				return err
			}

			rec, err := decodeDatabaseRecord(data)
			if err != nil {
				return err
			}
			dbs = append(dbs, rec.Database())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(dbs, func(i, j int) bool { return dbs[i].Name < dbs[j].Name })
	return dbs, nil
}

func (a *ZkAuthority) ListNodes(ctx context.Context) ([]topology.Node, error) {
	var nodes []topology.Node
	err := a.do(ctx, func() error {
		ids, _, err := a.conn.Children(a.nodeDir())
		if err != nil {
			return err
		}

		nodes = make([]topology.Node, 0, len(ids))
		for _, id := range ids {
			data, _, err := a.conn.Get(a.nodePath(id))
			if errors.Is(err, zk.ErrNoNode) {
				continue
			} else if err != nil {
				return err
			}

			node, err := decodeNodeRecord(data)
			if err != nil {
				return err
			}
			nodes = append(nodes, node)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (a *ZkAuthority) getRecord(name string) (*databaseRecord, int32, error) {
	data, stat, err := a.conn.Get(a.dbPath(name))
	if errors.Is(err, zk.ErrNoNode) {
		return nil, 0, adminerrors.Newf(adminerrors.ErrSchemaMismatch, name, "no such database")
	} else if err != nil {
		return nil, 0, err
	}

	rec, err := decodeDatabaseRecord(data)
	if err != nil {
		return nil, 0, err
	}

	return rec, stat.Version, nil
}

func (a *ZkAuthority) GetDatabase(ctx context.Context, name string) (topology.Database, error) {
	var db topology.Database
	err := a.do(ctx, func() error {
		rec, _, err := a.getRecord(name)
		if err != nil {
			return err
		}
		db = rec.Database()
		return nil
	})
	return db, err
}

func (a *ZkAuthority) QueryGeneration(ctx context.Context, name string) (uint64, error) {
	db, err := a.GetDatabase(ctx, name)
	if err != nil {
		return 0, err
	}
	return db.ShardMap.Generation, nil
}

func (a *ZkAuthority) Publish(ctx context.Context, req PublishRequest) error {
	err := req.validate()
	if err != nil {
		return adminerrors.New(adminerrors.ErrRejected, req.GlobalDbName, err)
	}

	return a.do(ctx, func() error {
		rec, version, err := a.getRecord(req.GlobalDbName)
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

		ops := []interface{}{
			&zk.SetDataRequest{Path: a.dbPath(req.GlobalDbName), Data: data, Version: version},
		}
		for _, node := range req.Nodes {
			op, err := a.nodeOp(node)
			if err != nil {
				return err
			}
			ops = append(ops, op)
		}

		resps, err := a.conn.Multi(ops...)
		if err == nil {
			for _, resp := range resps {
				if resp.Error != nil {
					err = resp.Error
					break
				}
			}
		}

		switch {
		case errors.Is(err, zk.ErrBadVersion), errors.Is(err, zk.ErrNodeExists):
			return adminerrors.Newf(adminerrors.ErrStaleView, req.GlobalDbName,
				fmt.Sprintf("database znode changed after version %d", version))
		case err != nil:
			return err
		}

		a.logger.Debug("published shard map",
			zap.String("db", req.GlobalDbName),
			zap.Uint64("generation", req.Next.Generation),
			zap.Int32("znode-version", version+1))

		return nil
	})
}

func (a *ZkAuthority) Close() error {
	a.conn.Close()
	return nil
}
