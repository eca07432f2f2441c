package mgmt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/pkg/metrics"
	"github.com/ryedb/shardadmin/topology"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Reprober re-reads the current state of a database after a lost race.
type Reprober interface {
	ReprobeDatabase(ctx context.Context, name string) (topology.Database, error)
}

type RegistrarOptions struct {
	Logger     *zap.Logger
	Publishers []Publisher
	Reprober   Reprober
	MaxRetries int

	// OpTimeout bounds a single publish and the read which settles an
	// unknown outcome.  Both run even when the caller's context is cancelled.
	OpTimeout time.Duration
	Now       func() time.Time
}

// Registrar appends instances to the shard map of a database through
// compare-and-swap publishes against the management authority.
type Registrar struct {
	logger     *zap.Logger
	publishers []Publisher
	reprober   Reprober
	maxRetries int
	opTimeout  time.Duration
	now        func() time.Time
}

func NewRegistrar(opts *RegistrarOptions) (*Registrar, error) {
	if len(opts.Publishers) == 0 {
		return nil, errors.New("at least one publisher is required")
	}
	if opts.Reprober == nil {
		return nil, errors.New("a reprober is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	opTimeout := opts.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Registrar{
		logger:     logger,
		publishers: opts.Publishers,
		reprober:   opts.Reprober,
		maxRetries: maxRetries,
		opTimeout:  opTimeout,
		now:        now,
	}, nil
}

type RegisterRequest struct {
	// Observed is the shard map the caller last saw for the database.
	Observed   topology.ShardMap
	Entries    []topology.ShardEntry
	Nodes      []topology.Node
	Credential topology.Credential
}

type Registration struct {
	GlobalDbName string
	Generation   uint64
	CommittedAt  time.Time

	// AlreadyPresent is set when the entries were found committed by an
	// earlier publish rather than by this call.
	AlreadyPresent bool
}

// detached derives a context which is not cancelled with ctx, so that a
// publish in flight is never abandoned with its outcome unknown.
func (r *Registrar) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.opTimeout)
}

func (r *Registrar) publishTo(ctx context.Context, publisher Publisher, req PublishRequest) error {
	pubCtx, cancel := r.detached(ctx)
	defer cancel()
	return publisher.Publish(pubCtx, req)
}

// publish sends the request to the first publisher that is reachable.
func (r *Registrar) publish(ctx context.Context, req PublishRequest) error {
	var lastErr error
	for pubIdx, publisher := range r.publishers {
		err := r.publishTo(ctx, publisher, req)
		if err == nil {
			return nil
		}

		if !errors.Is(err, adminerrors.ErrUnreachable) {
			return err
		}

		if pubIdx < len(r.publishers)-1 {
			r.logger.Warn("management endpoint unreachable, publishing through the next one",
				zap.String("endpoint", publisher.Endpoint()),
				zap.Error(err))
			metrics.GetSaMetrics().PublishFailovers.Add(ctx, 1)
		}
		lastErr = err
	}

	return adminerrors.New(adminerrors.ErrTimeout, req.GlobalDbName,
		fmt.Errorf("no management endpoint accepted the publish: %w", lastErr))
}

func (r *Registrar) committed(db string, gen uint64, alreadyPresent bool) *Registration {
	return &Registration{
		GlobalDbName:   db,
		Generation:     gen,
		CommittedAt:    r.now(),
		AlreadyPresent: alreadyPresent,
	}
}

// Register publishes generation G+1 of a database's shard map with the new
// entries appended, where G is the generation of req.Observed.  Lost races are
// retried against a freshly read map; entries found already committed are
// reported as such instead of being appended twice.
func (r *Registrar) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	db := req.Observed.GlobalDbName
	logger := r.logger.With(zap.String("db", db))

	if len(req.Entries) == 0 {
		return nil, adminerrors.Newf(adminerrors.ErrRejected, db, "no instances to register")
	}

	observed := req.Observed
	if observed.Contains(req.Entries) {
		logger.Info("instances are already registered",
			zap.Uint64("generation", observed.Generation))
		return r.committed(db, observed.Generation, true), nil
	}

	retries := 0
	for {
		if ctx.Err() != nil {
			return nil, adminerrors.New(adminerrors.ErrCancelled, db, ctx.Err())
		}

		next, err := observed.WithAppended(req.Entries)
		if err != nil {
			return nil, adminerrors.New(adminerrors.ErrConflict, db, err)
		}

		err = r.publish(ctx, PublishRequest{
			GlobalDbName: db,
			Expected:     observed.Generation,
			Next:         next,
			Nodes:        req.Nodes,
			Credential:   req.Credential,
		})
		if err == nil {
			logger.Info("registered instances",
				zap.Uint64("generation", next.Generation),
				zap.Int("entries", len(req.Entries)))
			return r.committed(db, next.Generation, false), nil
		}

		switch adminerrors.KindOf(err) {
		case adminerrors.ErrStaleView:
			if retries >= r.maxRetries {
				return nil, adminerrors.New(adminerrors.ErrRejected, db,
					fmt.Errorf("gave up after %d conflicting publishes: %w", retries, err))
			}
			retries++
			metrics.GetSaMetrics().PublishRetries.Add(ctx, 1,
				metric.WithAttributes(attribute.String("db", db)))

			current, reprobeErr := r.reprober.ReprobeDatabase(ctx, db)
			if reprobeErr != nil {
				return nil, reprobeErr
			}

			if current.ShardMap.Contains(req.Entries) {
				logger.Info("instances were registered by an earlier publish",
					zap.Uint64("generation", current.ShardMap.Generation))
				return r.committed(db, current.ShardMap.Generation, true), nil
			}

			logger.Debug("lost publish race, retrying against the current map",
				zap.Uint64("expected", observed.Generation),
				zap.Uint64("current", current.ShardMap.Generation),
				zap.Int("retry", retries))
			observed = current.ShardMap

		case adminerrors.ErrTimeout, adminerrors.ErrCancelled:
			// the publish may or may not have been applied
			if r.settledCommitted(ctx, db, req.Entries, &observed) {
				logger.Info("publish outcome was unknown, instances are registered",
					zap.Uint64("generation", observed.Generation))
				return r.committed(db, observed.Generation, true), nil
			}
			return nil, err

		default:
			return nil, err
		}
	}
}

// settledCommitted reads the database back after a publish whose outcome is
// unknown.  On success m holds the map found.
func (r *Registrar) settledCommitted(ctx context.Context, db string, entries []topology.ShardEntry, m *topology.ShardMap) bool {
	readCtx, cancel := r.detached(ctx)
	defer cancel()

	current, err := r.reprober.ReprobeDatabase(readCtx, db)
	if err != nil {
		r.logger.Warn("could not settle the outcome of a publish",
			zap.String("db", db),
			zap.Error(err))
		return false
	}
	if !current.ShardMap.Contains(entries) {
		return false
	}

	*m = current.ShardMap
	return true
}
