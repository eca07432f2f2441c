package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/pkg/metrics"
	"github.com/ryedb/shardadmin/plan"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var buildVersion string = metrics.GetBuildVersion()

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "shardadmin",
	Short: "Administers the shards of a rye cluster",

	SilenceUsage:  true,
	SilenceErrors: true,
}

var instanceAddCmd = &cobra.Command{
	Use:   "instanceAdd",
	Short: "Adds hosts as new instances of an existing HA group",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		return runAdd(cmd.Context(), plan.NewInstance{})
	},
}

var nodeAddCmd = &cobra.Command{
	Use:   "nodeAdd",
	Short: "Adds hosts as a new HA group which serves no key range yet",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		return runAdd(cmd.Context(), plan.NewNode{})
	},
}

var cfgFile string

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "specifies a config file to load")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("work-dir", ".", "directory receiving the run log")
	configFlags.StringSlice("mgmt-endpoints", nil, "shard management endpoints, etcd://host:port/prefix or zk://host:port/root")
	configFlags.String("mgmt-user", "", "the shard management username")
	configFlags.String("mgmt-password", "", "the shard management password")
	configFlags.StringSlice("hosts", nil, "the hosts to add, as host:port of their node agent")
	configFlags.StringSlice("dbs", nil, "the global databases to add instances of")
	configFlags.Int("ha-group", 0, "the HA group the hosts join")
	configFlags.StringArray("dba-password", nil, "dba password as db=secret, repeatable; a bare secret applies to every database")
	configFlags.String("broker-acl", "", "path to the broker access control file to stage")
	configFlags.String("conf", "", "path to the rye.conf to stage")
	configFlags.Bool("json-status", false, "report every state transition as a JSON record")
	configFlags.Duration("timeout", 0, "bounds the whole run, 0 for none")
	configFlags.Int("init-concurrency", 4, "how many hosts are initialized at once")
	configFlags.Int("register-retries", 5, "how many times a lost publish race is retried")
	configFlags.Duration("broker-timeout", defaultBrokerTimeout, "bounds the restart of a single broker")
	configFlags.Int("broker-port", defaultBrokerPort, "the broker admin port on every node")
	configFlags.Int("broker-health-port", defaultBrokerHealthPort, "the broker grpc health port on every node")
	configFlags.Duration("driver-refresh-interval", defaultDriverRefresh, "how often drivers reload shard maps")
	configFlags.Duration("driver-sync-margin", defaultDriverMargin, "added to the refresh interval before drivers count as synced")
	configFlags.Bool("resume", false, "complete a run which registered some of the hosts already")
	configFlags.Bool("dry-run", false, "probe and validate only, reporting the plan")
	configFlags.String("web-address", "", "serve metrics and health on this address")

	// both commands share every flag
	instanceAddCmd.Flags().AddFlagSet(configFlags)
	nodeAddCmd.Flags().AddFlagSet(configFlags)
	rootCmd.AddCommand(instanceAddCmd, nodeAddCmd)

	// usage mistakes exit like any other rejected request
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return adminerrors.New(adminerrors.ErrConflict, cmd.Name(), err)
	})

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("shardadmin")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(adminerrors.ExitCode(err))
}
