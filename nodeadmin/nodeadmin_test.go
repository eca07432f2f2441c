package nodeadmin

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingAgent struct {
	lock    sync.Mutex
	files   map[string][]byte
	dirs    map[string]bool
	started map[string]StartInstanceRequest
}

func newRecordingAgent() *recordingAgent {
	return &recordingAgent{
		files:   make(map[string][]byte),
		dirs:    make(map[string]bool),
		started: make(map[string]StartInstanceRequest),
	}
}

func (a *recordingAgent) Handshake(ctx context.Context) (HandshakeResponse, error) {
	return HandshakeResponse{Version: "2.1.0", Status: topology.StatusUp}, nil
}

func (a *recordingAgent) ListInstances(ctx context.Context) ([]topology.Instance, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	var instances []topology.Instance
	for db, req := range a.started {
		instances = append(instances, topology.Instance{GlobalDbName: req.GlobalDbName, LocalDbName: db})
	}
	return instances, nil
}

func (a *recordingAgent) PushFile(ctx context.Context, name string, data []byte) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.files[name] = data
	return nil
}

func (a *recordingAgent) RemoveFile(ctx context.Context, name string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	delete(a.files, name)
	return nil
}

func (a *recordingAgent) CreateDbDir(ctx context.Context, db string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.dirs[db] {
		return adminerrors.Newf(adminerrors.ErrConflict, db, "database directory exists")
	}
	a.dirs[db] = true
	return nil
}

func (a *recordingAgent) RemoveDbDir(ctx context.Context, db string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	delete(a.dirs, db)
	return nil
}

func (a *recordingAgent) StartInstance(ctx context.Context, req StartInstanceRequest) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.started[req.LocalDbName] = req
	return nil
}

func (a *recordingAgent) StopInstance(ctx context.Context, db string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	delete(a.started, db)
	return nil
}

type agentState struct {
	files   map[string][]byte
	dirs    map[string]bool
	started map[string]StartInstanceRequest
}

func (a *recordingAgent) state() agentState {
	a.lock.Lock()
	defer a.lock.Unlock()

	st := agentState{
		files:   make(map[string][]byte),
		dirs:    make(map[string]bool),
		started: make(map[string]StartInstanceRequest),
	}
	for k, v := range a.files {
		st.files[k] = v
	}
	for k, v := range a.dirs {
		st.dirs[k] = v
	}
	for k, v := range a.started {
		st.started[k] = v
	}
	return st
}

func startTestAgent(t *testing.T) (*recordingAgent, topology.NodeAddr) {
	agent := newRecordingAgent()
	srv := httptest.NewServer(NewHandler(HandlerOptions{
		Logger: zaptest.NewLogger(t),
		Agent:  agent,
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	return agent, topology.NodeAddr{Host: u.Hostname(), Port: port}
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	agent, addr := startTestAgent(t)
	client := NewHTTPClient(HTTPClientOptions{})

	hs, err := client.Handshake(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, addr, hs.Addr)
	assert.Equal(t, "2.1.0", hs.Version)
	assert.Equal(t, topology.StatusUp, hs.Status)

	require.NoError(t, client.PushFile(ctx, addr, "rye.conf", []byte("[common]\n")))
	require.NoError(t, client.CreateDbDir(ctx, addr, "testdb"))
	require.NoError(t, client.StartInstance(ctx, addr, StartInstanceRequest{
		GlobalDbName: "testdb",
		LocalDbName:  "testdb",
		Mode:         StartRegistered,
	}))

	st := agent.state()
	assert.Equal(t, []byte("[common]\n"), st.files["rye.conf"])
	assert.True(t, st.dirs["testdb"])
	assert.Equal(t, StartRegistered, st.started["testdb"].Mode)

	instances, err := client.ListInstances(ctx, addr)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "testdb", instances[0].GlobalDbName)

	require.NoError(t, client.StopInstance(ctx, addr, "testdb"))
	require.NoError(t, client.RemoveDbDir(ctx, addr, "testdb"))
	require.NoError(t, client.RemoveFile(ctx, addr, "rye.conf"))

	st = agent.state()
	assert.Empty(t, st.files)
	assert.Empty(t, st.dirs)
	assert.Empty(t, st.started)
}

func TestClientDecodesClassifiedErrors(t *testing.T) {
	ctx := context.Background()
	_, addr := startTestAgent(t)
	client := NewHTTPClient(HTTPClientOptions{})

	require.NoError(t, client.CreateDbDir(ctx, addr, "testdb"))

	err := client.CreateDbDir(ctx, addr, "testdb")
	require.ErrorIs(t, err, adminerrors.ErrConflict)
	assert.Equal(t, "testdb", adminerrors.EntityOf(err))
	assert.Equal(t, "conflict(testdb): database directory exists", err.Error())
}

func TestClientUnreachableNode(t *testing.T) {
	_, addr := startTestAgent(t)
	client := NewHTTPClient(HTTPClientOptions{})

	closed := topology.NodeAddr{Host: "127.0.0.1", Port: 1}
	_, err := client.Handshake(context.Background(), closed)
	require.ErrorIs(t, err, adminerrors.ErrUnreachable)
	assert.Equal(t, closed.String(), adminerrors.EntityOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Handshake(ctx, addr)
	require.ErrorIs(t, err, adminerrors.ErrCancelled)
}
