// Package initializer stages added nodes: it pushes configuration, lays out
// database directories and starts instances, undoing all of it when any node
// fails.
package initializer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/nodeadmin"
	"github.com/ryedb/shardadmin/pkg/metrics"
	"github.com/ryedb/shardadmin/plan"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

const (
	ConfFileName = "rye.conf"
	ACLFileName  = "broker.acl"
)

type InitializerOptions struct {
	Logger      *zap.Logger
	Client      nodeadmin.Client
	Concurrency int
	OpTimeout   time.Duration
}

type Initializer struct {
	logger      *zap.Logger
	client      nodeadmin.Client
	concurrency int
	opTimeout   time.Duration
}

func NewInitializer(opts *InitializerOptions) (*Initializer, error) {
	if opts.Client == nil {
		return nil, errors.New("a node admin client is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	opTimeout := opts.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 60 * time.Second
	}

	return &Initializer{
		logger:      logger,
		client:      opts.Client,
		concurrency: concurrency,
		opTimeout:   opTimeout,
	}, nil
}

type InitRequest struct {
	Targets   []plan.NodeTarget
	RyeConf   []byte
	BrokerACL []byte
}

type actionKind int

const (
	actionPushFile actionKind = iota
	actionCreateDir
	actionStartInstance
)

type action struct {
	kind actionKind
	name string
}

// NodeResult is the slot owned by the worker of one node.
type NodeResult struct {
	Target plan.NodeTarget

	actions     []action
	advancedSeq int64
	failedSeq   int64
	err         error
}

func (r *NodeResult) Err() error {
	return r.err
}

// Result records what Init did, so it can be undone.
type Result struct {
	Nodes []*NodeResult
}

type runState struct {
	seq *atomic.Int64
}

func (i *Initializer) op(ctx context.Context, fn func(ctx context.Context) error) error {
	// operations are never abandoned half way, a cancelled run waits for them
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.opTimeout)
	defer cancel()
	return fn(opCtx)
}

func (i *Initializer) record(st runState, res *NodeResult, a action) {
	res.actions = append(res.actions, a)
	res.advancedSeq = st.seq.Add(1)
}

func (i *Initializer) fail(st runState, res *NodeResult, err error) {
	res.err = err
	res.failedSeq = st.seq.Add(1)
}

func (i *Initializer) layout(ctx context.Context, st runState, res *NodeResult, req *InitRequest) {
	addr := res.Target.Node.Addr

	files := []struct {
		name string
		data []byte
	}{
		{ConfFileName, req.RyeConf},
		{ACLFileName, req.BrokerACL},
	}
	for _, file := range files {
		if ctx.Err() != nil {
			return
		}

		err := i.op(ctx, func(ctx context.Context) error {
			return i.client.PushFile(ctx, addr, file.name, file.data)
		})
		if err != nil {
			i.fail(st, res, fmt.Errorf("push %s: %w", file.name, err))
			return
		}

		// files on nodes an earlier run registered are not ours to remove
		if res.Target.Fresh {
			i.record(st, res, action{kind: actionPushFile, name: file.name})
		}
	}

	for _, db := range res.Target.Dbs {
		if ctx.Err() != nil {
			return
		}

		err := i.op(ctx, func(ctx context.Context) error {
			return i.client.CreateDbDir(ctx, addr, db)
		})
		if err != nil {
			i.fail(st, res, fmt.Errorf("create directory for %s: %w", db, err))
			return
		}
		i.record(st, res, action{kind: actionCreateDir, name: db})
	}
}

func (i *Initializer) start(ctx context.Context, st runState, res *NodeResult) {
	addr := res.Target.Node.Addr

	for _, db := range res.Target.Dbs {
		if ctx.Err() != nil {
			return
		}

		err := i.op(ctx, func(ctx context.Context) error {
			return i.client.StartInstance(ctx, addr, nodeadmin.StartInstanceRequest{
				GlobalDbName: db,
				LocalDbName:  db,
				Mode:         nodeadmin.StartRegistered,
			})
		})
		if err != nil {
			i.fail(st, res, fmt.Errorf("start instance of %s: %w", db, err))
			return
		}
		i.record(st, res, action{kind: actionStartInstance, name: db})
	}
}

func (i *Initializer) fanOut(res *Result, work func(res *NodeResult)) {
	var eg errgroup.Group
	eg.SetLimit(i.concurrency)

	for _, nodeRes := range res.Nodes {
		nodeRes := nodeRes
		eg.Go(func() error {
			work(nodeRes)
			return nil
		})
	}

	_ = eg.Wait()
}

// firstFailure returns the node which failed first, if any did.
func firstFailure(res *Result) *NodeResult {
	var first *NodeResult
	for _, nodeRes := range res.Nodes {
		if nodeRes.err == nil {
			continue
		}
		if first == nil || nodeRes.failedSeq < first.failedSeq {
			first = nodeRes
		}
	}
	return first
}

// Init stages every target.  All nodes finish their file layout before any
// instance is started.  On failure or cancellation everything that was done
// is undone before Init returns.
func (i *Initializer) Init(ctx context.Context, req *InitRequest) (*Result, error) {
	st := runState{seq: &atomic.Int64{}}
	started := time.Now()

	res := &Result{}
	for _, target := range req.Targets {
		res.Nodes = append(res.Nodes, &NodeResult{Target: target})
	}

	abort := func(err error) (*Result, error) {
		rollbackErr := i.Rollback(ctx, res, nil)
		if rollbackErr != nil {
			i.logger.Error("rollback of staged nodes was incomplete", zap.Error(rollbackErr))
		}
		return res, err
	}

	steps := []struct {
		name string
		work func(res *NodeResult)
	}{
		{"layout", func(nodeRes *NodeResult) { i.layout(ctx, st, nodeRes, req) }},
		{"start", func(nodeRes *NodeResult) { i.start(ctx, st, nodeRes) }},
	}

	for _, step := range steps {
		i.fanOut(res, step.work)

		if failed := firstFailure(res); failed != nil {
			addr := failed.Target.Node.Addr.String()
			i.logger.Warn("node initialization failed",
				zap.String("node", addr),
				zap.String("step", step.name),
				zap.Error(failed.err))
			return abort(adminerrors.New(adminerrors.ErrInitFailed, addr, failed.err))
		}

		if ctx.Err() != nil {
			return abort(adminerrors.New(adminerrors.ErrCancelled, "", ctx.Err()))
		}

		i.logger.Debug("initialization step complete on every node", zap.String("step", step.name))
	}

	metrics.GetSaMetrics().StageDuration.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(attribute.String("stage", "init")))

	return res, nil
}

// Rollback undoes what Init did for the given databases, or for everything
// when dbs is nil.  Nodes are visited in reverse order of their last
// advancement and each node's actions are undone newest first.
func (i *Initializer) Rollback(ctx context.Context, res *Result, dbs []string) error {
	nodes := slices.Clone(res.Nodes)
	sort.SliceStable(nodes, func(a, b int) bool {
		return nodes[a].advancedSeq > nodes[b].advancedSeq
	})

	var errs []error
	for _, nodeRes := range nodes {
		err := i.rollbackNode(ctx, nodeRes, dbs)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (i *Initializer) rollbackNode(ctx context.Context, res *NodeResult, dbs []string) error {
	addr := res.Target.Node.Addr
	logger := i.logger.With(zap.String("node", addr.String()))

	wholeNode := dbs == nil
	if !wholeNode {
		wholeNode = true
		for _, db := range res.Target.Dbs {
			if !slices.Contains(dbs, db) {
				wholeNode = false
			}
		}
	}

	var remaining []action
	var errs []error
	for actionIdx := len(res.actions) - 1; actionIdx >= 0; actionIdx-- {
		a := res.actions[actionIdx]

		undo := wholeNode
		if a.kind != actionPushFile && !undo {
			undo = slices.Contains(dbs, a.name)
		}
		if !undo {
			remaining = append([]action{a}, remaining...)
			continue
		}

		err := i.op(ctx, func(ctx context.Context) error {
			switch a.kind {
			case actionStartInstance:
				return i.client.StopInstance(ctx, addr, a.name)
			case actionCreateDir:
				return i.client.RemoveDbDir(ctx, addr, a.name)
			case actionPushFile:
				return i.client.RemoveFile(ctx, addr, a.name)
			}
			return nil
		})
		if err != nil {
			logger.Error("failed to undo initialization step",
				zap.String("target", a.name),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: undo %s: %w", addr, a.name, err))
			remaining = append([]action{a}, remaining...)
			continue
		}

		metrics.GetSaMetrics().Rollbacks.Add(ctx, 1)
		logger.Debug("undid initialization step", zap.String("target", a.name))
	}

	res.actions = remaining
	return errors.Join(errs...)
}
