// Package devcluster runs a small fake cluster in process: node agents and
// brokers listening on real sockets, and a shard management authority seeded
// with databases served by a few cohorts.  It backs the end-to-end tests and
// the devcluster command.
package devcluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ryedb/shardadmin/brokeradmin"
	"github.com/ryedb/shardadmin/mgmt"
	"github.com/ryedb/shardadmin/nodeadmin"
	"github.com/ryedb/shardadmin/topology"
	"github.com/ryedb/shardadmin/utils/netutils"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const DefaultConf = "[common]\nservice=server,broker\ncubrid_port_id=1523\n"

// Backend is an authority which can be seeded.
type Backend interface {
	mgmt.Authority
	mgmt.Bootstrapper
}

type Options struct {
	Logger *zap.Logger

	// BindHost is the interface every fake node listens on.
	BindHost string
	Version  string

	Databases []string
	Conf      []byte
	Password  string

	Cohorts        int
	NodesPerCohort int
	SpareNodes     int
	KeySpace       int

	// Generation is the shard map generation the databases start at.
	Generation uint64

	// BrokerRestartDelay is how long a broker takes to come back.
	BrokerRestartDelay time.Duration

	// Backend defaults to an in-process authority.
	Backend Backend

	// LoopbackPerNode binds node n to 127.0.0.n+1 so that every node can use
	// the same ports, as nodes of a real cluster do.  The ports below apply
	// only then, 0 picking a free one.
	LoopbackPerNode  bool
	AgentPort        int
	BrokerPort       int
	BrokerHealthPort int
}

type Node struct {
	Addr   topology.NodeAddr
	Agent  *NodeAgent
	Broker *BrokerService

	brokerAddrs brokeradmin.Broker
}

type Cluster struct {
	logger       *zap.Logger
	bindHost     string
	advertise    string
	version      string
	password     topology.Credential
	passwordHash string
	restartDelay time.Duration
	backend      Backend
	inProc       *mgmt.InProcAuthority

	loopbackPerNode bool
	ports           [3]int

	lock    sync.Mutex
	members []*Node
	spares  []*Node
	byAddr  map[topology.NodeAddr]*Node
	closers []func() error
}

// Start brings the cluster up.  Close releases its listeners.
func Start(ctx context.Context, opts Options) (*Cluster, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bindHost := opts.BindHost
	if bindHost == "" {
		bindHost = "127.0.0.1"
	}

	advertise, err := netutils.AdvertiseHost(bindHost)
	if err != nil {
		return nil, err
	}

	version := opts.Version
	if version == "" {
		version = "2.1.0"
	}

	dbs := opts.Databases
	if len(dbs) == 0 {
		dbs = []string{"testdb"}
	}

	conf := opts.Conf
	if conf == nil {
		conf = []byte(DefaultConf)
	}

	password := opts.Password
	if password == "" {
		password = "secret"
	}

	cohorts := opts.Cohorts
	if cohorts <= 0 {
		cohorts = 2
	}

	nodesPerCohort := opts.NodesPerCohort
	if nodesPerCohort <= 0 {
		nodesPerCohort = 1
	}

	keySpace := opts.KeySpace
	if keySpace <= 0 {
		keySpace = 1024
	}

	generation := opts.Generation
	if generation == 0 {
		generation = 1
	}

	restartDelay := opts.BrokerRestartDelay
	if restartDelay <= 0 {
		restartDelay = 50 * time.Millisecond
	}

	c := &Cluster{
		logger:       logger,
		bindHost:     bindHost,
		advertise:    advertise,
		version:      version,
		password:     topology.NewCredential(password),
		restartDelay: restartDelay,
		backend:      opts.Backend,
		byAddr:       make(map[topology.NodeAddr]*Node),

		loopbackPerNode: opts.LoopbackPerNode,
	}
	if c.loopbackPerNode {
		c.ports = [3]int{opts.AgentPort, opts.BrokerPort, opts.BrokerHealthPort}
	}
	c.passwordHash, err = c.password.Hash()
	if err != nil {
		return nil, err
	}

	if c.backend == nil {
		c.inProc = mgmt.NewInProcAuthority(mgmt.InProcAuthorityOptions{Endpoint: "inproc-0"})
		c.backend = c.inProc
	}

	err = c.seed(ctx, dbs, conf, cohorts, nodesPerCohort, keySpace, generation)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	for spareIdx := 0; spareIdx < opts.SpareNodes; spareIdx++ {
		node, err := c.StartNode(ctx)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.lock.Lock()
		c.spares = append(c.spares, node)
		c.lock.Unlock()
	}

	return c, nil
}

func (c *Cluster) seed(ctx context.Context, dbs []string, conf []byte, cohorts, nodesPerCohort, keySpace int, generation uint64) error {
	span := keySpace / cohorts
	maps := make(map[string]*topology.ShardMap, len(dbs))
	for _, db := range dbs {
		maps[db] = &topology.ShardMap{GlobalDbName: db, Generation: generation}
	}

	for groupID := 1; groupID <= cohorts; groupID++ {
		kr := topology.KeyRange{Low: (groupID - 1) * span, High: groupID * span}
		if groupID == cohorts {
			kr.High = keySpace
		}

		for nodeIdx := 0; nodeIdx < nodesPerCohort; nodeIdx++ {
			node, err := c.listen()
			if err != nil {
				return err
			}

			role := topology.RoleSlave
			if nodeIdx == 0 {
				role = topology.RoleMaster
			}
			record := topology.Node{
				ID:        topology.NodeIDFor(groupID, node.Addr),
				Addr:      node.Addr,
				HAGroupID: groupID,
				Role:      role,
			}

			err = c.backend.RegisterNode(ctx, record)
			if err != nil {
				return fmt.Errorf("register %s: %w", node.Addr, err)
			}

			for _, db := range dbs {
				node.Agent.serve(record.ID, db)
				maps[db].Entries = append(maps[db].Entries, topology.ShardEntry{
					Range: kr,
					Instance: topology.InstanceRef{
						NodeID:      record.ID,
						Addr:        node.Addr,
						HAGroupID:   groupID,
						LocalDbName: db,
					},
				})
			}

			c.lock.Lock()
			c.members = append(c.members, node)
			c.lock.Unlock()
		}
	}

	for _, db := range dbs {
		err := c.backend.CreateDatabase(ctx, topology.Database{
			Name:     db,
			Conf:     conf,
			ShardMap: *maps[db],
		}, c.password)
		if err != nil {
			return fmt.Errorf("create %s: %w", db, err)
		}
	}

	for _, node := range c.Members() {
		err := c.load(ctx, node)
		if err != nil {
			return err
		}
	}

	c.logger.Info("dev cluster is up",
		zap.Int("cohorts", cohorts),
		zap.Int("nodes", len(c.Members())),
		zap.Strings("databases", dbs))

	return nil
}

func (c *Cluster) load(ctx context.Context, node *Node) error {
	err := node.Broker.load(ctx)
	if err != nil {
		return fmt.Errorf("load broker of %s: %w", node.Addr, err)
	}
	node.Broker.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return nil
}

// nodeHost is the host the next node listens on and advertises.
func (c *Cluster) nodeHost() (string, string) {
	if !c.loopbackPerNode {
		return c.bindHost, c.advertise
	}

	c.lock.Lock()
	n := len(c.byAddr)
	c.lock.Unlock()

	host := fmt.Sprintf("127.0.0.%d", n+1)
	return host, host
}

func advertised(host string, lis net.Listener) topology.NodeAddr {
	return topology.NodeAddr{
		Host: host,
		Port: lis.Addr().(*net.TCPAddr).Port,
	}
}

// listen starts the agent and the broker of a new node.
func (c *Cluster) listen() (*Node, error) {
	bindHost, advertise := c.nodeHost()

	listeners := make([]net.Listener, 3)
	for lisIdx := range listeners {
		lis, err := net.Listen("tcp", net.JoinHostPort(bindHost, strconv.Itoa(c.ports[lisIdx])))
		if err != nil {
			for _, opened := range listeners[:lisIdx] {
				_ = opened.Close()
			}
			return nil, err
		}
		listeners[lisIdx] = lis
	}
	agentLis, brokerLis, healthLis := listeners[0], listeners[1], listeners[2]

	addr := advertised(advertise, agentLis)
	logger := c.logger.With(zap.Stringer("node", addr))

	node := &Node{
		Addr:   addr,
		Agent:  newNodeAgent(logger, addr, c.version),
		Broker: newBrokerService(logger, c.backend, c.passwordHash, c.restartDelay),
		brokerAddrs: brokeradmin.Broker{
			AdminAddr:  advertised(advertise, brokerLis).String(),
			HealthAddr: advertised(advertise, healthLis).String(),
		},
	}

	agentSrv := &http.Server{
		Handler: nodeadmin.NewHandler(nodeadmin.HandlerOptions{
			Logger: logger.Named("nodeadmin"),
			Agent:  node.Agent,
		}),
	}
	brokerSrv := &http.Server{
		Handler: brokeradmin.NewHandler(brokeradmin.HandlerOptions{
			Logger:  logger.Named("brokeradmin"),
			Service: node.Broker,
		}),
	}
	grpcSrv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcSrv, node.Broker.health)

	go func() {
		_ = agentSrv.Serve(agentLis)
	}()
	go func() {
		_ = brokerSrv.Serve(brokerLis)
	}()
	go func() {
		_ = grpcSrv.Serve(healthLis)
	}()

	c.lock.Lock()
	c.byAddr[addr] = node
	c.closers = append(c.closers,
		agentSrv.Close,
		brokerSrv.Close,
		func() error {
			grpcSrv.Stop()
			return nil
		})
	c.lock.Unlock()

	return node, nil
}

// StartNode starts a node which is not part of the cluster, ready to be
// added to it.
func (c *Cluster) StartNode(ctx context.Context) (*Node, error) {
	node, err := c.listen()
	if err != nil {
		return nil, err
	}

	err = c.load(ctx, node)
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (c *Cluster) Backend() Backend {
	return c.backend
}

// InProc is the in-process authority, nil when the cluster runs against an
// external backend.
func (c *Cluster) InProc() *mgmt.InProcAuthority {
	return c.inProc
}

// Members are the nodes seeded into the cluster.
func (c *Cluster) Members() []*Node {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]*Node(nil), c.members...)
}

// Spares are the nodes started with the cluster without being part of it.
func (c *Cluster) Spares() []*Node {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]*Node(nil), c.spares...)
}

func (c *Cluster) Node(addr topology.NodeAddr) (*Node, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	node, ok := c.byAddr[addr]
	return node, ok
}

func (c *Cluster) Password() topology.Credential {
	return c.password
}

// Locator finds the brokers of the fake nodes, which do not live on a
// common port.
func (c *Cluster) Locator() brokeradmin.Locator {
	return clusterLocator{cluster: c}
}

type clusterLocator struct {
	cluster *Cluster
}

func (l clusterLocator) BrokerFor(node topology.Node) brokeradmin.Broker {
	b := brokeradmin.Broker{
		NodeID:    node.ID,
		HAGroupID: node.HAGroupID,
	}

	if fake, ok := l.cluster.Node(node.Addr); ok {
		b.AdminAddr = fake.brokerAddrs.AdminAddr
		b.HealthAddr = fake.brokerAddrs.HealthAddr
	}
	return b
}

// BrokerAddrs returns the admin and health addresses of the broker next to addr.
func (c *Cluster) BrokerAddrs(addr topology.NodeAddr) (string, string, bool) {
	node, ok := c.Node(addr)
	if !ok {
		return "", "", false
	}
	return node.brokerAddrs.AdminAddr, node.brokerAddrs.HealthAddr, true
}

func (c *Cluster) Close() error {
	c.lock.Lock()
	closers := c.closers
	c.closers = nil
	c.lock.Unlock()

	var errs []error
	for _, closer := range closers {
		err := closer()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
