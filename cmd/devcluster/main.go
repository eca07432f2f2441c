package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ryedb/shardadmin/devcluster"
	"github.com/ryedb/shardadmin/mgmt"
	"github.com/ryedb/shardadmin/pkg/webapi"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var rootCmd = &cobra.Command{
	Use:   "devcluster",
	Short: "Runs a fake sharded cluster on this host for trying out shardadmin",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		return startCluster()
	},
}

func init() {
	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("bind-host", "127.0.0.1", "the host every node listens on")
	configFlags.Bool("loopback-per-node", false, "bind every node to its own 127.0.0.x address with shared ports")
	configFlags.Int("agent-port", 30000, "the node agent port with --loopback-per-node")
	configFlags.Int("broker-port", 30100, "the broker admin port with --loopback-per-node")
	configFlags.Int("broker-health-port", 30101, "the broker health port with --loopback-per-node")
	configFlags.StringSlice("dbs", []string{"testdb"}, "the databases to create")
	configFlags.String("dba-password", "secret", "the dba password of every database")
	configFlags.Int("cohorts", 2, "how many HA groups serve the databases")
	configFlags.Int("nodes-per-cohort", 1, "how many nodes every HA group has")
	configFlags.Int("spares", 2, "how many nodes to start outside of the cluster")
	configFlags.Uint64("generation", 1, "the shard map generation to start at")
	configFlags.String("mgmt-endpoint", "", "seed this etcd or zk endpoint instead of an in-process authority")
	configFlags.String("web-address", "127.0.0.1:9092", "serve metrics and health on this address")
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("devcluster")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewDevelopmentEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(logConfig), zapcore.Lock(os.Stderr), logLevel)
	return logLevel, zap.New(core, zap.AddCaller())
}

func startCluster() error {
	logLevel, logger := getLogger()

	parsedLogLevel, err := zapcore.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	promExp, err := prometheus.New()
	if err != nil {
		return err
	}
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExp)))

	opts := devcluster.Options{
		Logger:           logger.Named("devcluster"),
		BindHost:         viper.GetString("bind-host"),
		Databases:        viper.GetStringSlice("dbs"),
		Password:         viper.GetString("dba-password"),
		Cohorts:          viper.GetInt("cohorts"),
		NodesPerCohort:   viper.GetInt("nodes-per-cohort"),
		SpareNodes:       viper.GetInt("spares"),
		Generation:       viper.GetUint64("generation"),
		LoopbackPerNode:  viper.GetBool("loopback-per-node"),
		AgentPort:        viper.GetInt("agent-port"),
		BrokerPort:       viper.GetInt("broker-port"),
		BrokerHealthPort: viper.GetInt("broker-health-port"),
	}

	endpoint := viper.GetString("mgmt-endpoint")
	if endpoint != "" {
		auth, err := mgmt.Dial(ctx, endpoint, mgmt.DialOptions{Logger: logger.Named("mgmt")})
		if err != nil {
			return err
		}
		defer func() {
			_ = auth.Close()
		}()

		backend, ok := auth.(devcluster.Backend)
		if !ok {
			return fmt.Errorf("management endpoint %s cannot be seeded", endpoint)
		}
		opts.Backend = backend
	}

	cluster, err := devcluster.Start(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = cluster.Close()
	}()

	web := webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:        logger.Named("webapi"),
		LogLevel:      &logLevel,
		ListenAddress: viper.GetString("web-address"),
	})
	web.MarkHealthy(true)

	printNodes("member", cluster, cluster.Members())
	printNodes("spare", cluster, cluster.Spares())
	if endpoint == "" {
		fmt.Println("management authority is in-process, shardadmin needs --mgmt-endpoint to reach it")
	}

	<-ctx.Done()
	logger.Info("shutting down dev cluster")
	return nil
}

func printNodes(kind string, cluster *devcluster.Cluster, nodes []*devcluster.Node) {
	for _, node := range nodes {
		admin, health, _ := cluster.BrokerAddrs(node.Addr)
		fmt.Printf("%s node %s broker %s health %s\n", kind, node.Addr, admin, health)
	}
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
