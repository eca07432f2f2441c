// Package brokerroll restarts the brokers of a cluster so they pick up newly
// published shard maps, one broker per cohort at a time.
package brokerroll

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/brokeradmin"
	"github.com/ryedb/shardadmin/pkg/metrics"
	"github.com/ryedb/shardadmin/topology"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type OrchestratorOptions struct {
	Logger *zap.Logger
	Client brokeradmin.Client

	// BrokerTimeout bounds the restart of a single broker, from the restart
	// request until it serves the target generations.
	BrokerTimeout time.Duration
	PollInterval  time.Duration
}

type Orchestrator struct {
	logger        *zap.Logger
	client        brokeradmin.Client
	brokerTimeout time.Duration
	pollInterval  time.Duration
}

func NewOrchestrator(opts *OrchestratorOptions) (*Orchestrator, error) {
	if opts.Client == nil {
		return nil, errors.New("a broker admin client is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	brokerTimeout := opts.BrokerTimeout
	if brokerTimeout <= 0 {
		brokerTimeout = 120 * time.Second
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}

	return &Orchestrator{
		logger:        logger,
		client:        opts.Client,
		brokerTimeout: brokerTimeout,
		pollInterval:  pollInterval,
	}, nil
}

var errNotReady = errors.New("broker is not serving the target generations yet")

// cohorts groups brokers by ha group, keeping the given order within a group.
func cohorts(brokers []brokeradmin.Broker) [][]brokeradmin.Broker {
	byGroup := make(map[int][]brokeradmin.Broker)
	for _, b := range brokers {
		byGroup[b.HAGroupID] = append(byGroup[b.HAGroupID], b)
	}

	groupIDs := make([]int, 0, len(byGroup))
	for groupID := range byGroup {
		groupIDs = append(groupIDs, groupID)
	}
	sort.Ints(groupIDs)

	out := make([][]brokeradmin.Broker, 0, len(groupIDs))
	for _, groupID := range groupIDs {
		out = append(out, byGroup[groupID])
	}
	return out
}

// RollRestart restarts every broker and waits until each serves at least the
// target generation of every database in targets.  Cohorts roll concurrently,
// the brokers of one cohort one after another so a cohort is never left
// without a broker.  The first failure stops every cohort before its next
// broker, a broker already restarting is waited for.  Brokers rolled before a
// failure stay rolled.
func (o *Orchestrator) RollRestart(
	ctx context.Context,
	brokers []brokeradmin.Broker,
	targets map[string]uint64,
	cred topology.Credential,
) error {
	started := time.Now()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, cohort := range cohorts(brokers) {
		cohort := cohort
		eg.Go(func() error {
			for _, b := range cohort {
				if egCtx.Err() != nil {
					// only the first error is reported, this one is
					// induced by it unless ctx itself is done
					return o.brokerDown(egCtx, b, egCtx.Err())
				}

				err := o.rollBroker(ctx, b, targets, cred)
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := eg.Wait()
	if err != nil {
		return err
	}

	metrics.GetSaMetrics().StageDuration.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(attribute.String("stage", "broker_roll")))

	return nil
}

// ready reports whether b is healthy and serves every target generation.
func (o *Orchestrator) ready(ctx context.Context, b brokeradmin.Broker, targets map[string]uint64) (bool, error) {
	healthy, err := o.client.Healthy(ctx, b)
	if err != nil || !healthy {
		return false, err
	}

	dbs := make([]string, 0, len(targets))
	for db := range targets {
		dbs = append(dbs, db)
	}
	sort.Strings(dbs)

	for _, db := range dbs {
		generation, err := o.client.Generation(ctx, b, db)
		if err != nil {
			switch adminerrors.KindOf(err) {
			case adminerrors.ErrUnreachable, adminerrors.ErrTimeout:
				// still coming up
				return false, nil
			}
			return false, err
		}
		if generation < targets[db] {
			return false, nil
		}
	}

	return true, nil
}

func (o *Orchestrator) brokerDown(ctx context.Context, b brokeradmin.Broker, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return adminerrors.New(adminerrors.ErrCancelled, b.AdminAddr, ctx.Err())
	}
	if adminerrors.KindOf(err) == adminerrors.ErrCancelled {
		return err
	}
	return adminerrors.New(adminerrors.ErrBrokerDown, b.AdminAddr, err)
}

func (o *Orchestrator) rollBroker(
	ctx context.Context,
	b brokeradmin.Broker,
	targets map[string]uint64,
	cred topology.Credential,
) error {
	logger := o.logger.With(
		zap.String("broker", b.AdminAddr),
		zap.Int("haGroupId", b.HAGroupID))

	if ctx.Err() != nil {
		return o.brokerDown(ctx, b, ctx.Err())
	}

	brokerCtx, cancel := context.WithTimeout(ctx, o.brokerTimeout)
	defer cancel()

	isReady, err := o.ready(brokerCtx, b, targets)
	if err != nil {
		return o.brokerDown(ctx, b, err)
	}
	if isReady {
		logger.Info("broker already serves the target generations, skipping restart")
		return nil
	}

	logger.Info("restarting broker")

	err = o.client.Restart(brokerCtx, b, cred)
	if err != nil {
		return o.brokerDown(ctx, b, fmt.Errorf("restart: %w", err))
	}

	metrics.GetSaMetrics().BrokerRestarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("ha_group_id", strconv.Itoa(b.HAGroupID))))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.pollInterval
	bo.MaxInterval = 4 * o.pollInterval
	bo.MaxElapsedTime = 0

	err = backoff.Retry(func() error {
		isReady, err := o.ready(brokerCtx, b, targets)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !isReady {
			return errNotReady
		}
		return nil
	}, backoff.WithContext(bo, brokerCtx))
	if err != nil {
		logger.Warn("broker did not come back", zap.Error(err))
		return o.brokerDown(ctx, b, fmt.Errorf("waiting for broker: %w", err))
	}

	logger.Info("broker restarted")
	return nil
}
