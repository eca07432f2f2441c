package devcluster

import (
	"context"
	"sync"
	"time"

	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/brokeradmin"
	"github.com/ryedb/shardadmin/topology"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// BrokerService is a broker which loads the shard maps of the authority when
// it restarts.
type BrokerService struct {
	logger       *zap.Logger
	authority    topology.Authority
	passwordHash string
	health       *health.Server
	restartDelay time.Duration

	lock        sync.Mutex
	generations map[string]uint64
	restarting  bool
	hang        bool
	restarts    int
}

var _ brokeradmin.Service = (*BrokerService)(nil)

func newBrokerService(
	logger *zap.Logger,
	authority topology.Authority,
	passwordHash string,
	restartDelay time.Duration,
) *BrokerService {
	return &BrokerService{
		logger:       logger,
		authority:    authority,
		passwordHash: passwordHash,
		health:       health.NewServer(),
		restartDelay: restartDelay,
		generations:  make(map[string]uint64),
	}
}

// SetHang makes restarts never complete.
func (b *BrokerService) SetHang(hang bool) {
	b.lock.Lock()
	b.hang = hang
	b.lock.Unlock()
}

func (b *BrokerService) Restarts() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.restarts
}

func (b *BrokerService) load(ctx context.Context) error {
	dbs, err := b.authority.ListDatabases(ctx)
	if err != nil {
		return err
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	for _, db := range dbs {
		b.generations[db.Name] = db.ShardMap.Generation
	}
	b.restarting = false
	return nil
}

func (b *BrokerService) Restart(ctx context.Context, cred topology.Credential) error {
	if !cred.Matches(b.passwordHash) {
		return adminerrors.Newf(adminerrors.ErrAuthDenied, "broker", "wrong dba password")
	}

	b.lock.Lock()
	b.restarts++
	b.restarting = true
	hang := b.hang
	b.lock.Unlock()

	b.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	if hang {
		return nil
	}

	go func() {
		time.Sleep(b.restartDelay)

		err := b.load(context.Background())
		if err != nil {
			b.logger.Warn("broker failed to load shard maps", zap.Error(err))
			return
		}
		b.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	}()

	return nil
}

func (b *BrokerService) Generation(ctx context.Context, db string) (uint64, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.restarting {
		return 0, adminerrors.Newf(adminerrors.ErrUnreachable, "broker", "restarting")
	}

	gen, ok := b.generations[db]
	if !ok {
		return 0, adminerrors.Newf(adminerrors.ErrSchemaMismatch, db, "database is not loaded")
	}
	return gen, nil
}
