package mgmt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/testutils"
	"github.com/ryedb/shardadmin/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"
)

// AuthoritySuite runs the same contract against every backend.
type AuthoritySuite struct {
	suite.Suite

	newAuthority func(t *testing.T) Authority
	auth         Authority
}

func (s *AuthoritySuite) SetupTest() {
	s.auth = s.newAuthority(s.T())

	bootstrapper, ok := s.auth.(Bootstrapper)
	s.Require().True(ok)

	ctx := context.Background()
	s.Require().NoError(bootstrapper.CreateDatabase(ctx, testDatabase("testdb"), testCred))
}

func (s *AuthoritySuite) TearDownTest() {
	s.Require().NoError(s.auth.Close())
}

func (s *AuthoritySuite) TestPublishCommits() {
	ctx := context.Background()

	s.Require().NoError(s.auth.Publish(ctx, testPublishRequest(s.T(), s.auth)))

	gen, err := s.auth.QueryGeneration(ctx, "testdb")
	s.Require().NoError(err)
	s.Assert().EqualValues(2, gen)

	nodes, err := s.auth.ListNodes(ctx)
	s.Require().NoError(err)
	s.Require().Len(nodes, 1)
	s.Assert().Equal(testNode().ID, nodes[0].ID)
}

func (s *AuthoritySuite) TestPublishStale() {
	ctx := context.Background()

	req := testPublishRequest(s.T(), s.auth)
	s.Require().NoError(s.auth.Publish(ctx, req))

	err := s.auth.Publish(ctx, req)
	s.Require().ErrorIs(err, adminerrors.ErrStaleView)
}

func (s *AuthoritySuite) TestPublishWrongCredential() {
	req := testPublishRequest(s.T(), s.auth)
	req.Credential = topology.NewCredential("other")

	err := s.auth.Publish(context.Background(), req)
	s.Require().ErrorIs(err, adminerrors.ErrAuthDenied)
}

func (s *AuthoritySuite) TestListDatabases() {
	dbs, err := s.auth.ListDatabases(context.Background())
	s.Require().NoError(err)
	s.Require().Len(dbs, 1)
	s.Assert().Equal("testdb", dbs[0].Name)
	s.Assert().Equal(testDatabase("testdb").Conf, dbs[0].Conf)
}

func TestInProcAuthoritySuite(t *testing.T) {
	suite.Run(t, &AuthoritySuite{
		newAuthority: func(t *testing.T) Authority {
			return NewInProcAuthority(InProcAuthorityOptions{})
		},
	})
}

func TestEtcdAuthoritySuite(t *testing.T) {
	endpoints := testutils.RequireEtcd(t)

	etcdClient, err := etcd.New(etcd.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer etcdClient.Close()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_, err = etcdClient.Get(waitCtx, "invalid-key")
	waitCancel()
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("failed to connect to etcd: timeout")
	}

	suite.Run(t, &AuthoritySuite{
		newAuthority: func(t *testing.T) Authority {
			auth, err := NewEtcdAuthority(EtcdAuthorityOptions{
				Logger:     zaptest.NewLogger(t),
				EtcdClient: etcdClient,
				KeyPrefix:  "testing/" + uuid.NewString(),
			})
			require.NoError(t, err)
			return auth
		},
	})
}

func TestZkAuthoritySuite(t *testing.T) {
	servers := testutils.RequireZk(t)

	suite.Run(t, &AuthoritySuite{
		newAuthority: func(t *testing.T) Authority {
			auth, err := NewZkAuthority(ZkAuthorityOptions{
				Logger:   zaptest.NewLogger(t),
				Servers:  servers,
				RootPath: "/testing/" + uuid.NewString(),
			})
			require.NoError(t, err)
			return auth
		},
	})
}

func TestDialRejectsUnknownScheme(t *testing.T) {
	_, err := Dial(context.Background(), "redis://h1:6379", DialOptions{})
	assert.Error(t, err)

	_, err = Dial(context.Background(), "etcd:///prefix", DialOptions{})
	assert.Error(t, err)

	_, err = DialAll(context.Background(), nil, DialOptions{})
	assert.Error(t, err)
}
