package main

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/plan"
	"github.com/ryedb/shardadmin/topology"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	defaultBrokerTimeout    = 120 * time.Second
	defaultBrokerPort       = 30100
	defaultBrokerHealthPort = 30101
	defaultDriverRefresh    = 5 * time.Second
	defaultDriverMargin     = 2 * time.Second
)

type config struct {
	logLevelStr           string
	workDir               string
	mgmtEndpoints         []string
	mgmtUser              string
	mgmtPassword          string
	hosts                 []string
	dbs                   []string
	haGroup               int
	dbaPasswords          []string
	brokerACLPath         string
	confPath              string
	jsonStatus            bool
	timeout               time.Duration
	initConcurrency       int
	registerRetries       int
	brokerTimeout         time.Duration
	brokerPort            int
	brokerHealthPort      int
	driverRefreshInterval time.Duration
	driverSyncMargin      time.Duration
	resume                bool
	dryRun                bool
	webAddress            string
}

func readConfig() *config {
	return &config{
		logLevelStr:           viper.GetString("log-level"),
		workDir:               viper.GetString("work-dir"),
		mgmtEndpoints:         viper.GetStringSlice("mgmt-endpoints"),
		mgmtUser:              viper.GetString("mgmt-user"),
		mgmtPassword:          viper.GetString("mgmt-password"),
		hosts:                 viper.GetStringSlice("hosts"),
		dbs:                   viper.GetStringSlice("dbs"),
		haGroup:               viper.GetInt("ha-group"),
		dbaPasswords:          viper.GetStringSlice("dba-password"),
		brokerACLPath:         viper.GetString("broker-acl"),
		confPath:              viper.GetString("conf"),
		jsonStatus:            viper.GetBool("json-status"),
		timeout:               viper.GetDuration("timeout"),
		initConcurrency:       viper.GetInt("init-concurrency"),
		registerRetries:       viper.GetInt("register-retries"),
		brokerTimeout:         viper.GetDuration("broker-timeout"),
		brokerPort:            viper.GetInt("broker-port"),
		brokerHealthPort:      viper.GetInt("broker-health-port"),
		driverRefreshInterval: viper.GetDuration("driver-refresh-interval"),
		driverSyncMargin:      viper.GetDuration("driver-sync-margin"),
		resume:                viper.GetBool("resume"),
		dryRun:                viper.GetBool("dry-run"),
		webAddress:            viper.GetString("web-address"),
	}
}

func (c *config) log(logger *zap.Logger) {
	logger.Info("parsed shardadmin configuration",
		zap.String("logLevelStr", c.logLevelStr),
		zap.String("workDir", c.workDir),
		zap.Strings("mgmtEndpoints", c.mgmtEndpoints),
		zap.String("mgmtUser", c.mgmtUser),
		// zap.String("mgmtPassword", c.mgmtPassword),
		zap.Strings("hosts", c.hosts),
		zap.Strings("dbs", c.dbs),
		zap.Int("haGroup", c.haGroup),
		zap.Int("dbaPasswords", len(c.dbaPasswords)),
		zap.String("brokerACLPath", c.brokerACLPath),
		zap.String("confPath", c.confPath),
		zap.Bool("jsonStatus", c.jsonStatus),
		zap.Duration("timeout", c.timeout),
		zap.Int("initConcurrency", c.initConcurrency),
		zap.Int("registerRetries", c.registerRetries),
		zap.Duration("brokerTimeout", c.brokerTimeout),
		zap.Int("brokerPort", c.brokerPort),
		zap.Int("brokerHealthPort", c.brokerHealthPort),
		zap.Duration("driverRefreshInterval", c.driverRefreshInterval),
		zap.Duration("driverSyncMargin", c.driverSyncMargin),
		zap.Bool("resume", c.resume),
		zap.Bool("dryRun", c.dryRun),
		zap.String("webAddress", c.webAddress))
}

func invalidFlag(flag string, err error) error {
	return adminerrors.New(adminerrors.ErrConflict, "--"+flag, err)
}

// parsePasswords reads db=secret pairs.  A bare secret is the password of
// every requested database not given one explicitly.
func parsePasswords(values []string, dbs []string) (map[string]topology.Credential, error) {
	var fallback *topology.Credential
	creds := make(map[string]topology.Credential, len(dbs))

	for _, value := range values {
		db, secret, found := strings.Cut(value, "=")
		if !found {
			cred := topology.NewCredential(value)
			fallback = &cred
			continue
		}
		if db == "" {
			return nil, invalidFlag("dba-password", errors.New("missing database before ="))
		}
		creds[db] = topology.NewCredential(secret)
	}

	for _, db := range dbs {
		if _, ok := creds[db]; ok {
			continue
		}
		if fallback == nil {
			return nil, invalidFlag("dba-password", errors.Errorf("no password given for database %s", db))
		}
		creds[db] = *fallback
	}

	return creds, nil
}

func readFile(flag, path string) ([]byte, error) {
	if path == "" {
		return nil, invalidFlag(flag, errors.New("a file is required"))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, invalidFlag(flag, errors.Wrap(err, "failed to read"))
	}
	return data, nil
}

func (c *config) addRequest(policy plan.PlacementPolicy) (*plan.AddRequest, error) {
	addrs := make([]topology.NodeAddr, 0, len(c.hosts))
	for _, host := range c.hosts {
		addr, err := topology.ParseNodeAddr(strings.TrimSpace(host))
		if err != nil {
			return nil, invalidFlag("hosts", err)
		}
		addrs = append(addrs, addr)
	}

	dbs := make([]string, 0, len(c.dbs))
	for _, db := range c.dbs {
		db = strings.TrimSpace(db)
		if db != "" {
			dbs = append(dbs, db)
		}
	}

	creds, err := parsePasswords(c.dbaPasswords, dbs)
	if err != nil {
		return nil, err
	}

	acl, err := readFile("broker-acl", c.brokerACLPath)
	if err != nil {
		return nil, err
	}

	conf, err := readFile("conf", c.confPath)
	if err != nil {
		return nil, err
	}

	return &plan.AddRequest{
		AddNodes:      addrs,
		GlobalDbNames: dbs,
		DbaPasswords:  creds,
		HAGroupID:     c.haGroup,
		BrokerACL:     acl,
		RyeConf:       conf,
		Policy:        policy,
		Resume:        c.resume,
	}, nil
}
