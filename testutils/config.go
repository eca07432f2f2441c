package testutils

import (
	"os"
	"strings"
	"testing"
)

type Config struct {
	EtcdEndpoints []string
	ZkServers     []string
}

var globalTestConfig *Config

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func GetTestConfig(t *testing.T) *Config {
	if globalTestConfig == nil {
		testConfig := &Config{}

		envEtcd := os.Getenv("SATEST_ETCD")
		if envEtcd != "" {
			testConfig.EtcdEndpoints = splitList(envEtcd)
		}

		envZk := os.Getenv("SATEST_ZK")
		if envZk != "" {
			testConfig.ZkServers = splitList(envZk)
		}

		t.Logf("initialized test configuration")
		t.Logf("  etcd: %s", strings.Join(testConfig.EtcdEndpoints, ","))
		t.Logf("  zk: %s", strings.Join(testConfig.ZkServers, ","))

		globalTestConfig = testConfig
	}

	return globalTestConfig
}

// RequireEtcd skips the test unless an etcd cluster was configured.
func RequireEtcd(t *testing.T) []string {
	cfg := GetTestConfig(t)
	if len(cfg.EtcdEndpoints) == 0 {
		t.Skip("SATEST_ETCD is not set, skipping etcd backed test")
	}
	return cfg.EtcdEndpoints
}

// RequireZk skips the test unless a zookeeper ensemble was configured.
func RequireZk(t *testing.T) []string {
	cfg := GetTestConfig(t)
	if len(cfg.ZkServers) == 0 {
		t.Skip("SATEST_ZK is not set, skipping zookeeper backed test")
	}
	return cfg.ZkServers
}
