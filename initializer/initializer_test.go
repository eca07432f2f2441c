package initializer

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/nodeadmin"
	"github.com/ryedb/shardadmin/plan"
	"github.com/ryedb/shardadmin/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	h1 = topology.NodeAddr{Host: "h1", Port: 30000}
	h2 = topology.NodeAddr{Host: "h2", Port: 30000}
)

type fakeNode struct {
	files     map[string]bool
	dirs      map[string]bool
	instances map[string]bool
}

type fakeClient struct {
	lock  sync.Mutex
	nodes map[topology.NodeAddr]*fakeNode
	calls []string
	fail  map[string]error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		nodes: make(map[topology.NodeAddr]*fakeNode),
		fail:  make(map[string]error),
	}
}

func (c *fakeClient) node(addr topology.NodeAddr) *fakeNode {
	n, ok := c.nodes[addr]
	if !ok {
		n = &fakeNode{
			files:     make(map[string]bool),
			dirs:      make(map[string]bool),
			instances: make(map[string]bool),
		}
		c.nodes[addr] = n
	}
	return n
}

func (c *fakeClient) call(op string, addr topology.NodeAddr, name string) (*fakeNode, error) {
	c.lock.Lock()
	key := fmt.Sprintf("%s %s %s", op, addr, name)
	c.calls = append(c.calls, key)
	return c.node(addr), c.fail[key]
}

func (c *fakeClient) failOn(op string, addr topology.NodeAddr, name string) {
	c.fail[fmt.Sprintf("%s %s %s", op, addr, name)] = adminerrors.Newf(adminerrors.ErrUnexpected, addr.String(), "disk full")
}

func (c *fakeClient) state(addr topology.NodeAddr) fakeNode {
	c.lock.Lock()
	defer c.lock.Unlock()
	n := c.node(addr)
	cp := fakeNode{files: map[string]bool{}, dirs: map[string]bool{}, instances: map[string]bool{}}
	for k := range n.files {
		cp.files[k] = true
	}
	for k := range n.dirs {
		cp.dirs[k] = true
	}
	for k := range n.instances {
		cp.instances[k] = true
	}
	return cp
}

func (c *fakeClient) Handshake(ctx context.Context, addr topology.NodeAddr) (topology.Handshake, error) {
	return topology.Handshake{Addr: addr, Version: "2.1.0", Status: topology.StatusUp}, nil
}

func (c *fakeClient) ListInstances(ctx context.Context, addr topology.NodeAddr) ([]topology.Instance, error) {
	return nil, nil
}

func (c *fakeClient) PushFile(ctx context.Context, addr topology.NodeAddr, name string, data []byte) error {
	n, err := c.call("push", addr, name)
	defer c.lock.Unlock()
	if err == nil {
		n.files[name] = true
	}
	return err
}

func (c *fakeClient) RemoveFile(ctx context.Context, addr topology.NodeAddr, name string) error {
	n, err := c.call("rmfile", addr, name)
	defer c.lock.Unlock()
	if err == nil {
		delete(n.files, name)
	}
	return err
}

func (c *fakeClient) CreateDbDir(ctx context.Context, addr topology.NodeAddr, db string) error {
	n, err := c.call("mkdir", addr, db)
	defer c.lock.Unlock()
	if err == nil {
		n.dirs[db] = true
	}
	return err
}

func (c *fakeClient) RemoveDbDir(ctx context.Context, addr topology.NodeAddr, db string) error {
	n, err := c.call("rmdir", addr, db)
	defer c.lock.Unlock()
	if err == nil {
		if n.instances[db] {
			return fmt.Errorf("directory of %s removed while its instance runs", db)
		}
		delete(n.dirs, db)
	}
	return err
}

func (c *fakeClient) StartInstance(ctx context.Context, addr topology.NodeAddr, req nodeadmin.StartInstanceRequest) error {
	n, err := c.call("start", addr, req.LocalDbName)
	defer c.lock.Unlock()
	if err == nil {
		if !n.dirs[req.LocalDbName] {
			return fmt.Errorf("instance of %s started without a directory", req.LocalDbName)
		}
		n.instances[req.LocalDbName] = true
	}
	return err
}

func (c *fakeClient) StopInstance(ctx context.Context, addr topology.NodeAddr, db string) error {
	n, err := c.call("stop", addr, db)
	defer c.lock.Unlock()
	if err == nil {
		delete(n.instances, db)
	}
	return err
}

func (c *fakeClient) callIndex(key string) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	for callIdx, call := range c.calls {
		if call == key {
			return callIdx
		}
	}
	return -1
}

func newTestInitializer(t *testing.T, client nodeadmin.Client) *Initializer {
	i, err := NewInitializer(&InitializerOptions{
		Logger:      zaptest.NewLogger(t),
		Client:      client,
		Concurrency: 2,
	})
	require.NoError(t, err)
	return i
}

func testInitRequest(dbs ...string) *InitRequest {
	req := &InitRequest{
		RyeConf:   []byte("[common]\n"),
		BrokerACL: []byte("*:*:*\n"),
	}
	for _, addr := range []topology.NodeAddr{h1, h2} {
		req.Targets = append(req.Targets, plan.NodeTarget{
			Node:  topology.Node{ID: topology.NodeIDFor(1, addr), Addr: addr, HAGroupID: 1},
			Dbs:   dbs,
			Fresh: true,
		})
	}
	return req
}

func TestInitStagesEveryNode(t *testing.T) {
	client := newFakeClient()
	i := newTestInitializer(t, client)

	res, err := i.Init(context.Background(), testInitRequest("a", "b"))
	require.NoError(t, err)
	require.Len(t, res.Nodes, 2)

	for _, addr := range []topology.NodeAddr{h1, h2} {
		st := client.state(addr)
		assert.Equal(t, map[string]bool{ConfFileName: true, ACLFileName: true}, st.files)
		assert.Equal(t, map[string]bool{"a": true, "b": true}, st.dirs)
		assert.Equal(t, map[string]bool{"a": true, "b": true}, st.instances)
	}
}

func TestInitLaysOutEveryNodeBeforeStarting(t *testing.T) {
	client := newFakeClient()
	i := newTestInitializer(t, client)

	_, err := i.Init(context.Background(), testInitRequest("a"))
	require.NoError(t, err)

	firstStart := len(client.calls)
	for _, addr := range []topology.NodeAddr{h1, h2} {
		idx := client.callIndex("start " + addr.String() + " a")
		require.NotEqual(t, -1, idx)
		if idx < firstStart {
			firstStart = idx
		}
	}

	for _, addr := range []topology.NodeAddr{h1, h2} {
		assert.Less(t, client.callIndex("mkdir "+addr.String()+" a"), firstStart)
	}
}

func TestInitRollsBackOnLayoutFailure(t *testing.T) {
	client := newFakeClient()
	client.failOn("mkdir", h2, "a")
	i := newTestInitializer(t, client)

	_, err := i.Init(context.Background(), testInitRequest("a"))
	require.ErrorIs(t, err, adminerrors.ErrInitFailed)
	assert.Equal(t, "h2:30000", adminerrors.EntityOf(err))
	assert.Equal(t, adminerrors.ExitInit, adminerrors.ExitCode(err))

	for _, addr := range []topology.NodeAddr{h1, h2} {
		st := client.state(addr)
		assert.Empty(t, st.files, addr.String())
		assert.Empty(t, st.dirs, addr.String())
		assert.Empty(t, st.instances, addr.String())
	}

	// no process is started once layout failed anywhere
	assert.Equal(t, -1, client.callIndex("start h1:30000 a"))
}

func TestInitRollsBackOnStartFailure(t *testing.T) {
	client := newFakeClient()
	client.failOn("start", h2, "b")
	i := newTestInitializer(t, client)

	_, err := i.Init(context.Background(), testInitRequest("a", "b"))
	require.ErrorIs(t, err, adminerrors.ErrInitFailed)
	assert.Equal(t, "h2:30000", adminerrors.EntityOf(err))

	for _, addr := range []topology.NodeAddr{h1, h2} {
		st := client.state(addr)
		assert.Empty(t, st.files)
		assert.Empty(t, st.dirs)
		assert.Empty(t, st.instances)
	}

	// the instance is stopped before its directory goes away
	assert.Less(t, client.callIndex("stop h1:30000 a"), client.callIndex("rmdir h1:30000 a"))
}

func TestRollbackSelectedDatabases(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	i := newTestInitializer(t, client)

	res, err := i.Init(ctx, testInitRequest("a", "b"))
	require.NoError(t, err)

	require.NoError(t, i.Rollback(ctx, res, []string{"b"}))

	for _, addr := range []topology.NodeAddr{h1, h2} {
		st := client.state(addr)
		assert.Len(t, st.files, 2)
		assert.Equal(t, map[string]bool{"a": true}, st.dirs)
		assert.Equal(t, map[string]bool{"a": true}, st.instances)
	}

	// undone actions are forgotten, a full rollback only touches what is left
	require.NoError(t, i.Rollback(ctx, res, nil))
	for _, addr := range []topology.NodeAddr{h1, h2} {
		st := client.state(addr)
		assert.Empty(t, st.files)
		assert.Empty(t, st.dirs)
		assert.Empty(t, st.instances)
	}
}

func TestRollbackKeepsFilesOfRegisteredNodes(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	i := newTestInitializer(t, client)

	req := testInitRequest("b")
	for targetIdx := range req.Targets {
		req.Targets[targetIdx].Fresh = false
	}

	res, err := i.Init(ctx, req)
	require.NoError(t, err)
	require.NoError(t, i.Rollback(ctx, res, nil))

	st := client.state(h1)
	assert.Len(t, st.files, 2)
	assert.Empty(t, st.dirs)
}

func TestInitCancelled(t *testing.T) {
	client := newFakeClient()
	i := newTestInitializer(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := i.Init(ctx, testInitRequest("a"))
	require.ErrorIs(t, err, adminerrors.ErrCancelled)

	for _, addr := range []topology.NodeAddr{h1, h2} {
		st := client.state(addr)
		assert.Empty(t, st.files)
		assert.Empty(t, st.dirs)
	}
}
