// Package shardadd drives the addition of instances to a sharded cluster.
// It runs the stages in order, probing, validation, node initialization,
// registration, broker restart and driver sync, and compensates what it
// did when a later stage fails.
package shardadd

import (
	"context"
	"errors"
	"time"

	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/brokeradmin"
	"github.com/ryedb/shardadmin/initializer"
	"github.com/ryedb/shardadmin/mgmt"
	"github.com/ryedb/shardadmin/pkg/metrics"
	"github.com/ryedb/shardadmin/plan"
	"github.com/ryedb/shardadmin/topology"
	"github.com/ryedb/shardadmin/validator"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

type Prober interface {
	Probe(ctx context.Context, targets []topology.NodeAddr) (*topology.Snapshot, error)
}

type Initializer interface {
	Init(ctx context.Context, req *initializer.InitRequest) (*initializer.Result, error)
	Rollback(ctx context.Context, res *initializer.Result, dbs []string) error
}

type Registrar interface {
	Register(ctx context.Context, req mgmt.RegisterRequest) (*mgmt.Registration, error)
}

type BrokerRoller interface {
	RollRestart(ctx context.Context, brokers []brokeradmin.Broker, targets map[string]uint64, cred topology.Credential) error
}

type DriverBarrier interface {
	Await(ctx context.Context, since time.Time) error
}

type CoordinatorOptions struct {
	Logger       *zap.Logger
	Prober       Prober
	Initializer  Initializer
	Registrar    Registrar
	BrokerRoller BrokerRoller
	Barrier      DriverBarrier
	Locator      brokeradmin.Locator
	Reporter     StatusReporter
	Now          func() time.Time
}

type Coordinator struct {
	logger       *zap.Logger
	prober       Prober
	initializer  Initializer
	registrar    Registrar
	brokerRoller BrokerRoller
	barrier      DriverBarrier
	locator      brokeradmin.Locator
	reporter     StatusReporter
	now          func() time.Time
}

func NewCoordinator(opts *CoordinatorOptions) (*Coordinator, error) {
	switch {
	case opts.Prober == nil:
		return nil, errors.New("a prober is required")
	case opts.Initializer == nil:
		return nil, errors.New("an initializer is required")
	case opts.Registrar == nil:
		return nil, errors.New("a registrar is required")
	case opts.BrokerRoller == nil:
		return nil, errors.New("a broker roller is required")
	case opts.Barrier == nil:
		return nil, errors.New("a driver barrier is required")
	case opts.Locator == nil:
		return nil, errors.New("a broker locator is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	reporter := opts.Reporter
	if reporter == nil {
		reporter = nopReporter{}
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Coordinator{
		logger:       logger,
		prober:       opts.Prober,
		initializer:  opts.Initializer,
		registrar:    opts.Registrar,
		brokerRoller: opts.BrokerRoller,
		barrier:      opts.Barrier,
		locator:      opts.Locator,
		reporter:     reporter,
		now:          now,
	}, nil
}

type RunOptions struct {
	// DryRun stops after validation, reporting the plan without touching
	// the cluster.
	DryRun bool
}

// RunContext is the state of one run.  Stages read the pieces they need
// from it and the coordinator stores what they return.
type RunContext struct {
	Request    *plan.AddRequest
	State      State
	Snapshot   *topology.Snapshot
	Plan       *plan.Plan
	InitResult *initializer.Result

	// Committed holds the generation serving the added instances, per
	// database.  Databases completed by an earlier run are included.
	Committed map[string]uint64

	// Registered are the databases this run published.
	Registered []string
	CommitTime time.Time
}

type Result struct {
	State     State
	Plan      *plan.Plan
	Committed map[string]uint64
	DryRun    bool
}

func (c *Coordinator) transition(ctx context.Context, rc *RunContext, state State) {
	c.enter(ctx, rc, StatusEvent{State: state})
}

func (c *Coordinator) enter(ctx context.Context, rc *RunContext, ev StatusEvent) {
	rc.State = ev.State
	c.logger.Info("entering state",
		zap.String("state", string(ev.State)),
		zap.String("db", ev.Db))
	c.reporter.Report(ev)
	metrics.GetSaMetrics().StateTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", string(ev.State))))
}

func (c *Coordinator) result(rc *RunContext, dryRun bool) *Result {
	return &Result{
		State:     rc.State,
		Plan:      rc.Plan,
		Committed: rc.Committed,
		DryRun:    dryRun,
	}
}

// Run executes req.  The returned result is set even when err is not, and
// reports which databases were committed before the failure.
func (c *Coordinator) Run(ctx context.Context, req *plan.AddRequest, opts RunOptions) (*Result, error) {
	rc := &RunContext{
		Request:   req,
		Committed: make(map[string]uint64),
	}

	err := c.run(ctx, rc, opts)

	policy := "none"
	if req.Policy != nil {
		policy = req.Policy.String()
	}

	outcome := "success"
	if opts.DryRun {
		outcome = "dry_run"
	}
	if err != nil {
		outcome = adminerrors.KindOf(err).Error()
	}
	metrics.GetSaMetrics().Runs.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("policy", policy),
			attribute.String("outcome", outcome)))

	return c.result(rc, opts.DryRun), err
}

func (c *Coordinator) run(ctx context.Context, rc *RunContext, opts RunOptions) error {
	req := rc.Request
	if req.Policy == nil {
		return c.fail(ctx, rc, adminerrors.Newf(adminerrors.ErrConflict, "policy", "no placement policy given"))
	}

	c.transition(ctx, rc, StateProbing)
	snap, err := c.prober.Probe(ctx, req.AddNodes)
	if err != nil {
		return c.fail(ctx, rc, err)
	}
	rc.Snapshot = snap

	c.transition(ctx, rc, StateValidating)
	err = validator.Validate(req, snap)
	if err != nil {
		return c.fail(ctx, rc, err)
	}

	p, err := plan.Build(req, snap)
	if err != nil {
		return c.fail(ctx, rc, adminerrors.New(adminerrors.ErrUnexpected, "", err))
	}
	rc.Plan = p

	c.logger.Info("planned cluster extension",
		zap.Stringer("policy", req.Policy),
		zap.Int("nodes", len(p.Targets)),
		zap.Strings("databases", p.Databases(req)),
		zap.Stringers("alreadyDone", p.Done))

	if opts.DryRun {
		c.transition(ctx, rc, StateDone)
		return nil
	}

	if len(p.Targets) > 0 {
		c.transition(ctx, rc, StateInitializing)
		rc.InitResult, err = c.initializer.Init(ctx, &initializer.InitRequest{
			Targets:   p.Targets,
			RyeConf:   req.RyeConf,
			BrokerACL: req.BrokerACL,
		})
		if err != nil {
			return c.fail(ctx, rc, err)
		}
	}

	err = c.register(ctx, rc)
	if err != nil {
		return c.fail(ctx, rc, err)
	}

	c.transition(ctx, rc, StateRolling)
	err = c.brokerRoller.RollRestart(ctx, c.brokers(rc), rc.Committed, req.FirstCredential())
	if err != nil {
		return c.fail(ctx, rc, err)
	}

	c.transition(ctx, rc, StateSyncing)
	since := rc.CommitTime
	if since.IsZero() {
		since = c.now()
	}
	err = c.barrier.Await(ctx, since)
	if err != nil {
		return c.fail(ctx, rc, err)
	}

	c.transition(ctx, rc, StateDone)
	return nil
}

// register publishes the planned entries database by database, in request
// order.
func (c *Coordinator) register(ctx context.Context, rc *RunContext) error {
	req := rc.Request

	for _, db := range req.GlobalDbNames {
		dbInfo, _ := rc.Snapshot.Database(db)

		entries := rc.Plan.Entries[db]
		if len(entries) == 0 {
			rc.Committed[db] = dbInfo.ShardMap.Generation
			c.logger.Info("database already serves the added nodes", zap.String("db", db))
			continue
		}

		c.enter(ctx, rc, StatusEvent{State: StateRegistering, Db: db})

		reg, err := c.registrar.Register(ctx, mgmt.RegisterRequest{
			Observed:   dbInfo.ShardMap,
			Entries:    entries,
			Nodes:      rc.Plan.NodesFor(db),
			Credential: req.Credential(db),
		})
		if err != nil {
			return err
		}

		rc.Committed[db] = reg.Generation
		rc.Registered = append(rc.Registered, db)
		if reg.CommittedAt.After(rc.CommitTime) {
			rc.CommitTime = reg.CommittedAt
		}

		c.reporter.Report(StatusEvent{State: StateRegistering, Db: db, Generation: reg.Generation})
	}

	return nil
}

// compensate undoes the initialization of the databases which were not
// registered.  When none was, the nodes are restored completely.  It runs to
// completion even when the run was cancelled.
func (c *Coordinator) compensate(ctx context.Context, rc *RunContext) {
	if rc.InitResult == nil {
		return
	}

	var dbs []string
	if len(rc.Registered) > 0 {
		for _, db := range rc.Plan.Databases(rc.Request) {
			if !slices.Contains(rc.Registered, db) {
				dbs = append(dbs, db)
			}
		}
		c.logger.Warn("some databases were registered, undoing the others only",
			zap.Strings("registered", rc.Registered),
			zap.Strings("undone", dbs))
	}

	err := c.initializer.Rollback(context.WithoutCancel(ctx), rc.InitResult, dbs)
	if err != nil {
		c.logger.Error("compensation was incomplete", zap.Error(err))
	}
}

// stages maps the states a run can fail in to the stage deciding its exit
// code.  A run failing before it probes fails validation.
var stages = map[State]adminerrors.Stage{
	"":                adminerrors.StageValidation,
	StateProbing:      adminerrors.StageValidation,
	StateValidating:   adminerrors.StageValidation,
	StateInitializing: adminerrors.StageInit,
	StateRegistering:  adminerrors.StageRegistration,
	StateRolling:      adminerrors.StageBrokerRoll,
	StateSyncing:      adminerrors.StageDriverSync,
}

// fail aborts the run.  Only a failed registration leaves work to undo:
// Init cleans up after itself, and maps committed before a failed roll or
// sync stay so that --resume can complete them.
func (c *Coordinator) fail(ctx context.Context, rc *RunContext, err error) error {
	failedIn := rc.State
	if stage, ok := stages[failedIn]; ok {
		err = adminerrors.WithStage(stage, err)
	}

	c.logger.Error("run failed",
		zap.String("state", string(failedIn)),
		zap.String("kind", adminerrors.KindOf(err).Error()),
		zap.String("entity", adminerrors.EntityOf(err)),
		zap.Error(err))

	c.transition(ctx, rc, StateAborting)
	if failedIn == StateRegistering {
		c.compensate(ctx, rc)
	}
	c.enter(ctx, rc, StatusEvent{State: StateFailed, Error: err.Error()})

	return err
}

// brokers are the brokers next to every node serving the cluster once the
// run completes, without the nodes known to be down.
func (c *Coordinator) brokers(rc *RunContext) []brokeradmin.Broker {
	var nodes []topology.Node
	seen := make(map[string]bool)
	add := func(node topology.Node) {
		if seen[node.ID] {
			return
		}
		seen[node.ID] = true
		nodes = append(nodes, node)
	}

	for _, node := range rc.Snapshot.Nodes() {
		if node.Status == topology.StatusDown {
			c.logger.Warn("skipping broker of a node which is down", zap.String("node", node.ID))
			continue
		}
		add(node)
	}
	for _, target := range rc.Plan.Targets {
		add(target.Node)
	}

	brokers := make([]brokeradmin.Broker, 0, len(nodes))
	for _, node := range nodes {
		brokers = append(brokers, c.locator.BrokerFor(node))
	}
	return brokers
}
