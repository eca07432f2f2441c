package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/pkg/metrics"
	"github.com/ryedb/shardadmin/plan"
	"github.com/ryedb/shardadmin/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, data string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func testConfig(t *testing.T) *config {
	return &config{
		hosts:         []string{"h1:30000", " h2:30000"},
		dbs:           []string{"a", "b"},
		haGroup:       2,
		dbaPasswords:  []string{"a=alpha", "b=beta"},
		brokerACLPath: writeFile(t, "broker.acl", "*:*:*\n"),
		confPath:      writeFile(t, "rye.conf", "[common]\n"),
	}
}

func TestAddRequestFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.resume = true

	req, err := cfg.addRequest(plan.NewNode{})
	require.NoError(t, err)

	assert.Equal(t, []topology.NodeAddr{
		{Host: "h1", Port: 30000},
		{Host: "h2", Port: 30000},
	}, req.AddNodes)
	assert.Equal(t, []string{"a", "b"}, req.GlobalDbNames)
	assert.Equal(t, 2, req.HAGroupID)
	assert.Equal(t, "alpha", req.Credential("a").Secret())
	assert.Equal(t, "beta", req.Credential("b").Secret())
	assert.Equal(t, []byte("*:*:*\n"), req.BrokerACL)
	assert.Equal(t, []byte("[common]\n"), req.RyeConf)
	assert.Equal(t, plan.NewNode{}, req.Policy)
	assert.True(t, req.Resume)
}

func TestBarePasswordAppliesToRemainingDatabases(t *testing.T) {
	creds, err := parsePasswords([]string{"shared", "b=beta"}, []string{"a", "b", "c"})
	require.NoError(t, err)

	assert.Equal(t, "shared", creds["a"].Secret())
	assert.Equal(t, "beta", creds["b"].Secret())
	assert.Equal(t, "shared", creds["c"].Secret())
}

func TestMissingPasswordIsRejected(t *testing.T) {
	_, err := parsePasswords([]string{"a=alpha"}, []string{"a", "b"})
	require.ErrorIs(t, err, adminerrors.ErrConflict)
	assert.Equal(t, "--dba-password", adminerrors.EntityOf(err))
	assert.Equal(t, adminerrors.ExitValidation, adminerrors.ExitCode(err))
}

func TestInvalidHostIsRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.hosts = []string{"h1"}

	_, err := cfg.addRequest(plan.NewInstance{})
	require.ErrorIs(t, err, adminerrors.ErrConflict)
	assert.Equal(t, "--hosts", adminerrors.EntityOf(err))
}

func TestMissingConfFileIsRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.confPath = filepath.Join(t.TempDir(), "missing.conf")

	_, err := cfg.addRequest(plan.NewInstance{})
	require.ErrorIs(t, err, adminerrors.ErrConflict)
	assert.Equal(t, "--conf", adminerrors.EntityOf(err))
}

func TestVersionMatchesMeter(t *testing.T) {
	assert.NotEmpty(t, rootCmd.Version)
	assert.Equal(t, metrics.GetBuildVersion(), rootCmd.Version)
}
