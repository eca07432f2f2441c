package devcluster

import (
	"context"
	"sort"
	"sync"

	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/nodeadmin"
	"github.com/ryedb/shardadmin/topology"
	"go.uber.org/zap"
)

// Op names a node agent operation faults can be injected into.
type Op string

const (
	OpHandshake     Op = "handshake"
	OpPushFile      Op = "push-file"
	OpRemoveFile    Op = "remove-file"
	OpCreateDbDir   Op = "create-db-dir"
	OpRemoveDbDir   Op = "remove-db-dir"
	OpStartInstance Op = "start-instance"
	OpStopInstance  Op = "stop-instance"
)

type faultKey struct {
	op   Op
	name string
}

// NodeAgent is an in-memory node.  It keeps staged files, database
// directories and running instances, and fails operations on demand.
type NodeAgent struct {
	logger  *zap.Logger
	addr    topology.NodeAddr
	version string

	lock      sync.Mutex
	nodeID    string
	files     map[string][]byte
	dirs      map[string]bool
	instances map[string]nodeadmin.StartInstanceRequest
	faults    map[faultKey]error
	observers map[Op]func(name string)
}

var _ nodeadmin.Agent = (*NodeAgent)(nil)

func newNodeAgent(logger *zap.Logger, addr topology.NodeAddr, version string) *NodeAgent {
	return &NodeAgent{
		logger:    logger,
		addr:      addr,
		version:   version,
		files:     make(map[string][]byte),
		dirs:      make(map[string]bool),
		instances: make(map[string]nodeadmin.StartInstanceRequest),
		faults:    make(map[faultKey]error),
		observers: make(map[Op]func(name string)),
	}
}

// FailOn makes op fail for the named file or database until cleared with a
// nil error.  An empty name matches every call of op.
func (a *NodeAgent) FailOn(op Op, name string, err error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	key := faultKey{op: op, name: name}
	if err == nil {
		delete(a.faults, key)
		return
	}
	a.faults[key] = err
}

// Observe calls fn with the file or database name on every call of op,
// before any fault is injected.  A nil fn removes the observer.  fn runs with
// the agent locked and must not call back into it.
func (a *NodeAgent) Observe(op Op, fn func(name string)) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if fn == nil {
		delete(a.observers, op)
		return
	}
	a.observers[op] = fn
}

func (a *NodeAgent) fault(op Op, name string) error {
	if fn, ok := a.observers[op]; ok {
		fn(name)
	}
	if err, ok := a.faults[faultKey{op: op, name: name}]; ok {
		return err
	}
	if err, ok := a.faults[faultKey{op: op}]; ok {
		return err
	}
	return nil
}

// serve runs a fresh instance of a database the node already serves.
func (a *NodeAgent) serve(nodeID string, db string) {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.nodeID = nodeID
	a.dirs[db] = true
	a.instances[db] = nodeadmin.StartInstanceRequest{
		GlobalDbName: db,
		LocalDbName:  db,
		Mode:         nodeadmin.StartRouted,
	}
}

func (a *NodeAgent) Handshake(ctx context.Context) (nodeadmin.HandshakeResponse, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	err := a.fault(OpHandshake, "")
	if err != nil {
		return nodeadmin.HandshakeResponse{}, err
	}

	return nodeadmin.HandshakeResponse{
		Version: a.version,
		Status:  topology.StatusUp,
	}, nil
}

func (a *NodeAgent) ListInstances(ctx context.Context) ([]topology.Instance, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	instances := make([]topology.Instance, 0, len(a.instances))
	for _, req := range a.instances {
		instances = append(instances, topology.Instance{
			GlobalDbName: req.GlobalDbName,
			NodeID:       a.nodeID,
			LocalDbName:  req.LocalDbName,
		})
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].LocalDbName < instances[j].LocalDbName
	})
	return instances, nil
}

func (a *NodeAgent) PushFile(ctx context.Context, name string, data []byte) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	err := a.fault(OpPushFile, name)
	if err != nil {
		return err
	}

	a.files[name] = append([]byte(nil), data...)
	return nil
}

func (a *NodeAgent) RemoveFile(ctx context.Context, name string) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	err := a.fault(OpRemoveFile, name)
	if err != nil {
		return err
	}

	delete(a.files, name)
	return nil
}

func (a *NodeAgent) CreateDbDir(ctx context.Context, db string) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	err := a.fault(OpCreateDbDir, db)
	if err != nil {
		return err
	}

	if a.dirs[db] {
		return adminerrors.Newf(adminerrors.ErrConflict, db, "database directory exists")
	}
	a.dirs[db] = true
	return nil
}

func (a *NodeAgent) RemoveDbDir(ctx context.Context, db string) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	err := a.fault(OpRemoveDbDir, db)
	if err != nil {
		return err
	}

	if _, ok := a.instances[db]; ok {
		return adminerrors.Newf(adminerrors.ErrConflict, db, "instance is running")
	}
	delete(a.dirs, db)
	return nil
}

func (a *NodeAgent) StartInstance(ctx context.Context, req nodeadmin.StartInstanceRequest) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	err := a.fault(OpStartInstance, req.LocalDbName)
	if err != nil {
		return err
	}

	if !a.dirs[req.LocalDbName] {
		return adminerrors.Newf(adminerrors.ErrConflict, req.LocalDbName, "no database directory")
	}
	if _, ok := a.instances[req.LocalDbName]; ok {
		return adminerrors.Newf(adminerrors.ErrConflict, req.LocalDbName, "instance is already running")
	}

	a.logger.Debug("starting instance",
		zap.Stringer("node", a.addr),
		zap.String("db", req.LocalDbName),
		zap.String("mode", string(req.Mode)))

	a.instances[req.LocalDbName] = req
	return nil
}

func (a *NodeAgent) StopInstance(ctx context.Context, db string) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	err := a.fault(OpStopInstance, db)
	if err != nil {
		return err
	}

	delete(a.instances, db)
	return nil
}

// NodeState is a copy of what a node holds.
type NodeState struct {
	Files     []string
	Dirs      []string
	Instances []string
}

func (s NodeState) Empty() bool {
	return len(s.Files) == 0 && len(s.Dirs) == 0 && len(s.Instances) == 0
}

func (a *NodeAgent) State() NodeState {
	a.lock.Lock()
	defer a.lock.Unlock()

	var st NodeState
	for name := range a.files {
		st.Files = append(st.Files, name)
	}
	for db := range a.dirs {
		st.Dirs = append(st.Dirs, db)
	}
	for db := range a.instances {
		st.Instances = append(st.Instances, db)
	}

	sort.Strings(st.Files)
	sort.Strings(st.Dirs)
	sort.Strings(st.Instances)
	return st
}
