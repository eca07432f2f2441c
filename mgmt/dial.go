package mgmt

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type DialOptions struct {
	Logger      *zap.Logger
	Username    string
	Password    string
	DialTimeout time.Duration
	OpTimeout   time.Duration
}

// Dial connects to one management endpoint.  Endpoints are URLs of the form
// etcd://host:port/prefix or zk://host:port/root.
func Dial(ctx context.Context, endpoint string, opts DialOptions) (Authority, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid management endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("management endpoint %q has no host", endpoint)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("endpoint", endpoint))

	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	prefix := strings.TrimRight(u.Path, "/")

	switch u.Scheme {
	case "etcd":
		if prefix == "" {
			prefix = "/shardadmin"
		}

		etcdClient, err := etcd.New(etcd.Config{
			Context:     ctx,
			Endpoints:   []string{u.Host},
			DialTimeout: dialTimeout,
			Username:    opts.Username,
			Password:    opts.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd at %s: %w", u.Host, err)
		}

		auth, err := NewEtcdAuthority(EtcdAuthorityOptions{
			Logger:     logger,
			EtcdClient: etcdClient,
			Endpoint:   endpoint,
			KeyPrefix:  prefix,
			OpTimeout:  opts.OpTimeout,
		})
		if err != nil {
			_ = etcdClient.Close()
			return nil, err
		}

		return &ownedEtcdAuthority{EtcdAuthority: auth, etcdClient: etcdClient}, nil
	case "zk":
		return NewZkAuthority(ZkAuthorityOptions{
			Logger:         logger,
			Servers:        strings.Split(u.Host, ","),
			RootPath:       prefix,
			Endpoint:       endpoint,
			ConnectTimeout: dialTimeout,
		})
	}

	return nil, fmt.Errorf("unsupported management endpoint scheme %q", u.Scheme)
}

// DialAll connects to every endpoint, closing what was opened on failure.
func DialAll(ctx context.Context, endpoints []string, opts DialOptions) ([]Authority, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no management endpoints configured")
	}

	authorities := make([]Authority, 0, len(endpoints))
	for _, endpoint := range endpoints {
		auth, err := Dial(ctx, endpoint, opts)
		if err != nil {
			CloseAll(authorities)
			return nil, err
		}
		authorities = append(authorities, auth)
	}

	return authorities, nil
}

func CloseAll(authorities []Authority) {
	for _, auth := range authorities {
		_ = auth.Close()
	}
}

type ownedEtcdAuthority struct {
	*EtcdAuthority
	etcdClient *etcd.Client
}

func (a *ownedEtcdAuthority) Close() error {
	return a.etcdClient.Close()
}
