package topology

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ryedb/shardadmin/adminerrors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Authority is the read side of a shard management endpoint, as consumed by
// the probe.
type Authority interface {
	Endpoint() string
	ListDatabases(ctx context.Context) ([]Database, error)
	ListNodes(ctx context.Context) ([]Node, error)
	GetDatabase(ctx context.Context, name string) (Database, error)
}

// NodeAgent is the read side of the node admin protocol.
type NodeAgent interface {
	Handshake(ctx context.Context, addr NodeAddr) (Handshake, error)
	ListInstances(ctx context.Context, addr NodeAddr) ([]Instance, error)
}

type ProberOptions struct {
	Logger      *zap.Logger
	Authorities []Authority
	Agent       NodeAgent
	Concurrency int
	RetryBudget time.Duration
	Now         func() time.Time
}

type Prober struct {
	logger      *zap.Logger
	authorities []Authority
	agent       NodeAgent
	concurrency int
	retryBudget time.Duration
	now         func() time.Time
}

func NewProber(opts *ProberOptions) (*Prober, error) {
	if len(opts.Authorities) == 0 {
		return nil, errors.New("at least one management endpoint is required")
	}
	if opts.Agent == nil {
		return nil, errors.New("a node agent client is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}

	retryBudget := opts.RetryBudget
	if retryBudget <= 0 {
		retryBudget = 30 * time.Second
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Prober{
		logger:      logger,
		authorities: opts.Authorities,
		agent:       opts.Agent,
		concurrency: concurrency,
		retryBudget: retryBudget,
		now:         now,
	}, nil
}

func isTransient(err error) bool {
	kind := adminerrors.KindOf(err)
	return kind == adminerrors.ErrUnreachable || kind == adminerrors.ErrTimeout
}

func (p *Prober) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = p.retryBudget

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func (p *Prober) quorum() int {
	return len(p.authorities)/2 + 1
}

type authorityView struct {
	endpoint  string
	databases []Database
	nodes     []Node
	err       error
}

func (p *Prober) readAuthorities(ctx context.Context) ([]authorityView, error) {
	views := make([]authorityView, len(p.authorities))

	var wg sync.WaitGroup
	for authIdx, authority := range p.authorities {
		wg.Add(1)
		go func(slot *authorityView, authority Authority) {
			defer wg.Done()

			slot.endpoint = authority.Endpoint()
			slot.err = p.retry(ctx, func() error {
				dbs, err := authority.ListDatabases(ctx)
				if err != nil {
					return err
				}

				nodes, err := authority.ListNodes(ctx)
				if err != nil {
					return err
				}

				slot.databases = dbs
				slot.nodes = nodes
				return nil
			})
		}(&views[authIdx], authority)
	}
	wg.Wait()

	var answered []authorityView
	var failed []string
	for _, view := range views {
		if view.err != nil {
			if errors.Is(view.err, adminerrors.ErrAuthDenied) {
				return nil, view.err
			}
			if ctx.Err() != nil {
				return nil, adminerrors.New(adminerrors.ErrCancelled, "", ctx.Err())
			}

			p.logger.Warn("management endpoint did not answer the probe",
				zap.String("endpoint", view.endpoint),
				zap.Error(view.err))
			failed = append(failed, view.endpoint)
			continue
		}

		answered = append(answered, view)
	}

	if len(answered) < p.quorum() {
		return nil, adminerrors.New(adminerrors.ErrUnreachable, strings.Join(failed, ","),
			fmt.Errorf("only %d of %d management endpoints answered, need %d",
				len(answered), len(p.authorities), p.quorum()))
	}

	return answered, nil
}

func crossCheckDatabases(views []authorityView) error {
	reference := make(map[string]uint64)
	for _, db := range views[0].databases {
		reference[db.Name] = db.ShardMap.Generation
	}

	for _, view := range views[1:] {
		if len(view.databases) != len(reference) {
			return adminerrors.Newf(adminerrors.ErrInconsistent, view.endpoint,
				fmt.Sprintf("endpoint lists %d databases, %s lists %d",
					len(view.databases), views[0].endpoint, len(reference)))
		}

		for _, db := range view.databases {
			gen, ok := reference[db.Name]
			if !ok {
				return adminerrors.Newf(adminerrors.ErrInconsistent, db.Name,
					fmt.Sprintf("database is unknown to %s", views[0].endpoint))
			}
			if gen != db.ShardMap.Generation {
				return adminerrors.Newf(adminerrors.ErrInconsistent, db.Name,
					fmt.Sprintf("%s reports generation %d, %s reports generation %d",
						views[0].endpoint, gen, view.endpoint, db.ShardMap.Generation))
			}
		}
	}

	return nil
}

type nodeView struct {
	node      Node
	instances []Instance
	err       error
}

// Probe captures the current topology of the cluster.  targets are the nodes
// the caller intends to mutate; they are handshaken and must all answer.
func (p *Prober) Probe(ctx context.Context, targets []NodeAddr) (*Snapshot, error) {
	views, err := p.readAuthorities(ctx)
	if err != nil {
		return nil, err
	}

	err = crossCheckDatabases(views)
	if err != nil {
		return nil, err
	}

	databases := views[0].databases
	registered := views[0].nodes

	isTarget := make(map[NodeAddr]bool, len(targets))
	for _, target := range targets {
		isTarget[target] = true
	}

	nodeViews := make([]nodeView, len(registered))
	handshakes := make([]Handshake, len(targets))
	handshakeErrs := make([]error, len(targets))

	var eg errgroup.Group
	eg.SetLimit(p.concurrency)

	for nodeIdx, node := range registered {
		slot := &nodeViews[nodeIdx]
		slot.node = node
		eg.Go(func() error {
			var hs Handshake
			slot.err = p.retry(ctx, func() error {
				var err error
				hs, err = p.agent.Handshake(ctx, slot.node.Addr)
				if err != nil {
					return err
				}

				slot.instances, err = p.agent.ListInstances(ctx, slot.node.Addr)
				return err
			})
			if slot.err == nil {
				slot.node.Version = hs.Version
				slot.node.Status = hs.Status
			}
			return nil
		})
	}

	for targetIdx, target := range targets {
		targetIdx, target := targetIdx, target
		eg.Go(func() error {
			handshakeErrs[targetIdx] = p.retry(ctx, func() error {
				var err error
				handshakes[targetIdx], err = p.agent.Handshake(ctx, target)
				return err
			})
			return nil
		})
	}

	_ = eg.Wait()

	if ctx.Err() != nil {
		return nil, adminerrors.New(adminerrors.ErrCancelled, "", ctx.Err())
	}

	for targetIdx, err := range handshakeErrs {
		if err != nil {
			return nil, adminerrors.New(adminerrors.ErrUnreachable, targets[targetIdx].String(), err)
		}
	}

	nodes := make([]Node, 0, len(nodeViews))
	instances := make(map[string][]Instance, len(nodeViews))
	for _, view := range nodeViews {
		if view.err != nil {
			if errors.Is(view.err, adminerrors.ErrAuthDenied) {
				return nil, view.err
			}
			if isTarget[view.node.Addr] {
				return nil, adminerrors.New(adminerrors.ErrUnreachable, view.node.Addr.String(), view.err)
			}

			p.logger.Warn("node did not answer the probe, recording it as unknown",
				zap.String("node", view.node.ID),
				zap.Error(view.err))
			view.node.Status = StatusUnknown
		}

		nodes = append(nodes, view.node)
		instances[view.node.ID] = view.instances
	}

	snap := NewSnapshot(SnapshotOptions{
		TakenAt:   p.now(),
		Nodes:     nodes,
		Instances: instances,
		Databases: databases,
		Targets:   handshakes,
	})

	p.logger.Debug("probed cluster topology",
		zap.Int("nodes", len(nodes)),
		zap.Strings("databases", snap.DatabaseNames()),
		zap.Int("targets", len(targets)))

	return snap, nil
}

// ReprobeDatabase re-reads a single database from a quorum of management
// endpoints, failing if they disagree on its generation.
func (p *Prober) ReprobeDatabase(ctx context.Context, name string) (Database, error) {
	type dbView struct {
		endpoint string
		db       Database
		err      error
	}

	views := make([]dbView, len(p.authorities))

	var wg sync.WaitGroup
	for authIdx, authority := range p.authorities {
		wg.Add(1)
		go func(slot *dbView, authority Authority) {
			defer wg.Done()

			slot.endpoint = authority.Endpoint()
			slot.err = p.retry(ctx, func() error {
				var err error
				slot.db, err = authority.GetDatabase(ctx, name)
				return err
			})
		}(&views[authIdx], authority)
	}
	wg.Wait()

	var answered []dbView
	for _, view := range views {
		if view.err == nil {
			answered = append(answered, view)
			continue
		}
		if !isTransient(view.err) {
			return Database{}, view.err
		}
	}

	if len(answered) < p.quorum() {
		return Database{}, adminerrors.Newf(adminerrors.ErrUnreachable, name,
			fmt.Sprintf("only %d of %d management endpoints answered", len(answered), len(p.authorities)))
	}

	for _, view := range answered[1:] {
		if view.db.ShardMap.Generation != answered[0].db.ShardMap.Generation {
			return Database{}, adminerrors.Newf(adminerrors.ErrInconsistent, name,
				fmt.Sprintf("%s reports generation %d, %s reports generation %d",
					answered[0].endpoint, answered[0].db.ShardMap.Generation,
					view.endpoint, view.db.ShardMap.Generation))
		}
	}

	return answered[0].db, nil
}
