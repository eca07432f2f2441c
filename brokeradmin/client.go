package brokeradmin

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/pkg/errors"
	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/pkg/adminhttp"
	"github.com/ryedb/shardadmin/topology"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

type ClientOptions struct {
	Logger     *zap.Logger
	HTTPClient *http.Client
}

type HTTPClient struct {
	logger *zap.Logger
	http   *adminhttp.Client

	lock  sync.Mutex
	conns map[string]*grpc.ClientConn
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient returns a broker admin client.  Close releases the health
// connections it opened.
func NewHTTPClient(opts ClientOptions) *HTTPClient {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPClient{
		logger: logger,
		http: adminhttp.NewClient(adminhttp.ClientOptions{
			HTTPClient: opts.HTTPClient,
		}),
		conns: make(map[string]*grpc.ClientConn),
	}
}

func (c *HTTPClient) Restart(ctx context.Context, b Broker, cred topology.Credential) error {
	return c.http.Do(ctx, http.MethodPost, b.AdminAddr, "/v1/restart",
		&RestartRequest{Graceful: true}, nil,
		adminhttp.WithBasicAuth("dba", cred.Secret()))
}

func (c *HTTPClient) Generation(ctx context.Context, b Broker, db string) (uint64, error) {
	var resp GenerationResponse
	err := c.http.Do(ctx, http.MethodGet, b.AdminAddr, "/v1/generation/"+url.PathEscape(db), nil, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Generation, nil
}

func (c *HTTPClient) healthConn(addr string) (*grpc.ClientConn, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, adminerrors.New(adminerrors.ErrUnreachable, addr, errors.Wrap(err, "failed to create health client"))
	}

	c.conns[addr] = conn
	return conn, nil
}

// Healthy reports whether the broker's health service reports SERVING.  A
// broker that cannot be reached is unhealthy, not an error.
func (c *HTTPClient) Healthy(ctx context.Context, b Broker) (bool, error) {
	conn, err := c.healthConn(b.HealthAddr)
	if err != nil {
		return false, err
	}

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return false, adminerrors.New(adminerrors.ErrCancelled, b.HealthAddr, ctx.Err())
		} else if ctx.Err() != nil {
			return false, adminerrors.New(adminerrors.ErrTimeout, b.HealthAddr, ctx.Err())
		}

		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded:
			c.logger.Debug("broker health check failed",
				zap.String("broker", b.HealthAddr),
				zap.Error(err))
			return false, nil
		}

		return false, adminerrors.New(adminerrors.ErrUnexpected, b.HealthAddr, errors.Wrap(err, "health check failed"))
	}

	return resp.Status == grpc_health_v1.HealthCheckResponse_SERVING, nil
}

func (c *HTTPClient) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	var firstErr error
	for addr, conn := range c.conns {
		err := conn.Close()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, addr)
	}
	return firstErr
}
