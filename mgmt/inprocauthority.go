package mgmt

import (
	"context"
	"sort"
	"sync"

	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/topology"
)

// InProcHooks lets tests interfere with publishes.  BeforePublish runs under
// the authority lock before the compare step; a non-nil error aborts the
// publish.  AfterPublish runs once the new generation is committed; a
// non-nil error is returned to the caller even though the commit stands,
// which models an authority failing before its reply is delivered.
type InProcHooks struct {
	BeforePublish func(state *InProcState, req *PublishRequest) error
	AfterPublish  func(req *PublishRequest) error
}

type InProcAuthorityOptions struct {
	Endpoint string
}

// InProcState is the store shared by every replica of an in-process
// authority.  It is only handed to hooks, which run with the lock held.
type InProcState struct {
	databases map[string]*databaseRecord
	nodes     map[string]topology.Node
	publishes int
}

// ForceGeneration installs a shard map directly, bypassing the compare step.
// It is meant for hooks that simulate a concurrent writer.
func (s *InProcState) ForceGeneration(m topology.ShardMap) {
	rec, ok := s.databases[m.GlobalDbName]
	if !ok {
		return
	}
	rec.ShardMap = m.Clone()
}

func (s *InProcState) ShardMap(name string) (topology.ShardMap, bool) {
	rec, ok := s.databases[name]
	if !ok {
		return topology.ShardMap{}, false
	}
	return rec.ShardMap.Clone(), true
}

type inProcShared struct {
	lock  sync.Mutex
	state InProcState
	hooks InProcHooks
}

// InProcAuthority is an in-memory shard management authority.  Replicas
// created with Replica share the same store, as the endpoints of a real
// authority would.
type InProcAuthority struct {
	endpoint string
	shared   *inProcShared

	lock        sync.Mutex
	unreachable bool
}

var _ Authority = (*InProcAuthority)(nil)
var _ Bootstrapper = (*InProcAuthority)(nil)

func NewInProcAuthority(opts InProcAuthorityOptions) *InProcAuthority {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = "inproc"
	}

	return &InProcAuthority{
		endpoint: endpoint,
		shared: &inProcShared{
			state: InProcState{
				databases: make(map[string]*databaseRecord),
				nodes:     make(map[string]topology.Node),
			},
		},
	}
}

// Replica returns another endpoint onto the same store.
func (a *InProcAuthority) Replica(endpoint string) *InProcAuthority {
	return &InProcAuthority{
		endpoint: endpoint,
		shared:   a.shared,
	}
}

func (a *InProcAuthority) SetHooks(hooks InProcHooks) {
	a.shared.lock.Lock()
	a.shared.hooks = hooks
	a.shared.lock.Unlock()
}

// SetUnreachable makes this endpoint fail every call as if it were down.
func (a *InProcAuthority) SetUnreachable(unreachable bool) {
	a.lock.Lock()
	a.unreachable = unreachable
	a.lock.Unlock()
}

// Publishes returns the number of publishes that were committed.
func (a *InProcAuthority) Publishes() int {
	a.shared.lock.Lock()
	defer a.shared.lock.Unlock()
	return a.shared.state.publishes
}

func (a *InProcAuthority) Endpoint() string {
	return a.endpoint
}

func (a *InProcAuthority) checkReachable(ctx context.Context) error {
	if ctx.Err() != nil {
		return adminerrors.New(adminerrors.ErrCancelled, a.endpoint, ctx.Err())
	}

	a.lock.Lock()
	unreachable := a.unreachable
	a.lock.Unlock()

	if unreachable {
		return adminerrors.Newf(adminerrors.ErrUnreachable, a.endpoint, "endpoint is down")
	}
	return nil
}

func (a *InProcAuthority) CreateDatabase(ctx context.Context, db topology.Database, cred topology.Credential) error {
	err := a.checkReachable(ctx)
	if err != nil {
		return err
	}

	rec, err := newDatabaseRecord(db, cred)
	if err != nil {
		return err
	}

	a.shared.lock.Lock()
	defer a.shared.lock.Unlock()

	if _, ok := a.shared.state.databases[db.Name]; ok {
		return adminerrors.Newf(adminerrors.ErrConflict, db.Name, "database already exists")
	}

	a.shared.state.databases[db.Name] = rec
	return nil
}

func (a *InProcAuthority) RegisterNode(ctx context.Context, node topology.Node) error {
	err := a.checkReachable(ctx)
	if err != nil {
		return err
	}

	node.Status = ""
	node.Version = ""

	a.shared.lock.Lock()
	a.shared.state.nodes[node.ID] = node
	a.shared.lock.Unlock()

	return nil
}

func (a *InProcAuthority) ListDatabases(ctx context.Context) ([]topology.Database, error) {
	err := a.checkReachable(ctx)
	if err != nil {
		return nil, err
	}

	a.shared.lock.Lock()
	defer a.shared.lock.Unlock()

	dbs := make([]topology.Database, 0, len(a.shared.state.databases))
	for _, rec := range a.shared.state.databases {
		dbs = append(dbs, rec.Database())
	}
	sort.Slice(dbs, func(i, j int) bool { return dbs[i].Name < dbs[j].Name })

	return dbs, nil
}

func (a *InProcAuthority) ListNodes(ctx context.Context) ([]topology.Node, error) {
	err := a.checkReachable(ctx)
	if err != nil {
		return nil, err
	}

	a.shared.lock.Lock()
	defer a.shared.lock.Unlock()

	nodes := make([]topology.Node, 0, len(a.shared.state.nodes))
	for _, node := range a.shared.state.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	return nodes, nil
}

func (a *InProcAuthority) GetDatabase(ctx context.Context, name string) (topology.Database, error) {
	err := a.checkReachable(ctx)
	if err != nil {
		return topology.Database{}, err
	}

	a.shared.lock.Lock()
	defer a.shared.lock.Unlock()

	rec, ok := a.shared.state.databases[name]
	if !ok {
		return topology.Database{}, adminerrors.Newf(adminerrors.ErrSchemaMismatch, name, "no such database")
	}

	return rec.Database(), nil
}

func (a *InProcAuthority) QueryGeneration(ctx context.Context, name string) (uint64, error) {
	db, err := a.GetDatabase(ctx, name)
	if err != nil {
		return 0, err
	}
	return db.ShardMap.Generation, nil
}

func (a *InProcAuthority) Publish(ctx context.Context, req PublishRequest) error {
	err := a.checkReachable(ctx)
	if err != nil {
		return err
	}

	err = req.validate()
	if err != nil {
		return adminerrors.New(adminerrors.ErrRejected, req.GlobalDbName, err)
	}

	a.shared.lock.Lock()

	if a.shared.hooks.BeforePublish != nil {
		err := a.shared.hooks.BeforePublish(&a.shared.state, &req)
		if err != nil {
			a.shared.lock.Unlock()
			return err
		}
	}

	rec, ok := a.shared.state.databases[req.GlobalDbName]
	if !ok {
		a.shared.lock.Unlock()
		return adminerrors.Newf(adminerrors.ErrSchemaMismatch, req.GlobalDbName, "no such database")
	}

	err = rec.checkPublish(a.endpoint, &req)
	if err != nil {
		a.shared.lock.Unlock()
		return err
	}

	rec.ShardMap = req.Next.Clone()
	for _, node := range req.Nodes {
		node.Status = ""
		node.Version = ""
		a.shared.state.nodes[node.ID] = node
	}
	a.shared.state.publishes++

	afterPublish := a.shared.hooks.AfterPublish
	a.shared.lock.Unlock()

	if afterPublish != nil {
		return afterPublish(&req)
	}

	return nil
}

func (a *InProcAuthority) Close() error {
	return nil
}
