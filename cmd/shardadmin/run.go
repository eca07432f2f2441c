package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/brokeradmin"
	"github.com/ryedb/shardadmin/brokerroll"
	"github.com/ryedb/shardadmin/driversync"
	"github.com/ryedb/shardadmin/initializer"
	"github.com/ryedb/shardadmin/mgmt"
	"github.com/ryedb/shardadmin/nodeadmin"
	"github.com/ryedb/shardadmin/pkg/webapi"
	"github.com/ryedb/shardadmin/plan"
	"github.com/ryedb/shardadmin/shardadd"
	"github.com/ryedb/shardadmin/topology"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// getLogger tees a console core on stderr with a JSON core writing the run
// log into workDir.
func getLogger(workDir string, runID string) (zap.AtomicLevel, *zap.Logger, func(), error) {
	logLevel := zap.NewAtomicLevel()

	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)

	consoleConfig := zap.NewDevelopmentEncoderConfig()
	consoleConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(consoleConfig)

	err := os.MkdirAll(workDir, 0o755)
	if err != nil {
		return logLevel, nil, nil, err
	}

	logPath := filepath.Join(workDir, fmt.Sprintf("shardadmin-%s.log", runID))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return logLevel, nil, nil, err
	}

	core := zapcore.NewTee(
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), logLevel),
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(logFile), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).
		With(zap.String("runId", runID))

	closeLog := func() {
		_ = logger.Sync()
		_ = logFile.Close()
	}

	return logLevel, logger, closeLog, nil
}

func initTelemetry(ctx context.Context, logger *zap.Logger) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(
			attribute.String("service.name", "shardadmin"),
		),
	)
	if err != nil {
		if res == nil {
			return nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	), nil
}

// handleSignals cancels the run on the first SIGINT or SIGTERM.  A second
// SIGINT exits straight away.
func handleSignals(logger *zap.Logger, cancel context.CancelFunc) func() {
	sigCh := make(chan os.Signal, 10)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		hasReceivedSigInt := false
		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(adminerrors.ExitCancelled)
				}
				logger.Info("Received SIGINT, cancelling the run...")
				hasReceivedSigInt = true
				cancel()
			} else if sig == syscall.SIGTERM {
				logger.Info("Received SIGTERM, cancelling the run...")
				cancel()
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}

func newReporter(jsonStatus bool) shardadd.StatusReporter {
	if jsonStatus {
		return shardadd.NewJSONReporter(os.Stdout)
	}
	return shardadd.NewTextReporter(os.Stdout)
}

type stack struct {
	coordinator *shardadd.Coordinator
	brokers     *brokeradmin.HTTPClient
	authorities []mgmt.Authority
}

func (s *stack) Close() {
	_ = s.brokers.Close()
	mgmt.CloseAll(s.authorities)
}

func buildStack(ctx context.Context, logger *zap.Logger, cfg *config) (*stack, error) {
	authorities, err := mgmt.DialAll(ctx, cfg.mgmtEndpoints, mgmt.DialOptions{
		Logger:   logger.Named("mgmt"),
		Username: cfg.mgmtUser,
		Password: cfg.mgmtPassword,
	})
	if err != nil {
		return nil, adminerrors.New(adminerrors.ErrUnreachable, "--mgmt-endpoints", err)
	}

	readers := make([]topology.Authority, 0, len(authorities))
	publishers := make([]mgmt.Publisher, 0, len(authorities))
	for _, auth := range authorities {
		readers = append(readers, auth)
		publishers = append(publishers, auth)
	}

	s := &stack{
		brokers:     brokeradmin.NewHTTPClient(brokeradmin.ClientOptions{Logger: logger.Named("brokeradmin")}),
		authorities: authorities,
	}
	agent := nodeadmin.NewHTTPClient(nodeadmin.HTTPClientOptions{})

	fail := func(err error) (*stack, error) {
		s.Close()
		return nil, err
	}

	prober, err := topology.NewProber(&topology.ProberOptions{
		Logger:      logger.Named("probe"),
		Authorities: readers,
		Agent:       agent,
	})
	if err != nil {
		return fail(err)
	}

	nodeInit, err := initializer.NewInitializer(&initializer.InitializerOptions{
		Logger:      logger.Named("init"),
		Client:      agent,
		Concurrency: cfg.initConcurrency,
	})
	if err != nil {
		return fail(err)
	}

	registrar, err := mgmt.NewRegistrar(&mgmt.RegistrarOptions{
		Logger:     logger.Named("register"),
		Publishers: publishers,
		Reprober:   prober,
		MaxRetries: cfg.registerRetries,
	})
	if err != nil {
		return fail(err)
	}

	roller, err := brokerroll.NewOrchestrator(&brokerroll.OrchestratorOptions{
		Logger:        logger.Named("brokers"),
		Client:        s.brokers,
		BrokerTimeout: cfg.brokerTimeout,
	})
	if err != nil {
		return fail(err)
	}

	s.coordinator, err = shardadd.NewCoordinator(&shardadd.CoordinatorOptions{
		Logger:       logger.Named("shardadd"),
		Prober:       prober,
		Initializer:  nodeInit,
		Registrar:    registrar,
		BrokerRoller: roller,
		Barrier: driversync.NewBarrier(&driversync.BarrierOptions{
			Logger:          logger.Named("driversync"),
			RefreshInterval: cfg.driverRefreshInterval,
			Margin:          cfg.driverSyncMargin,
		}),
		Locator: brokeradmin.PortLocator{
			AdminPort:  cfg.brokerPort,
			HealthPort: cfg.brokerHealthPort,
		},
		Reporter: newReporter(cfg.jsonStatus),
	})
	if err != nil {
		return fail(err)
	}

	return s, nil
}

func runAdd(ctx context.Context, policy plan.PlacementPolicy) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			return invalidFlag("config", err)
		}
	}

	cfg := readConfig()

	runID := uuid.NewString()
	logLevel, logger, closeLog, err := getLogger(cfg.workDir, runID)
	if err != nil {
		return invalidFlag("work-dir", err)
	}
	defer closeLog()

	parsedLogLevel, err := zapcore.ParseLevel(cfg.logLevelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)

	logger.Info("starting shardadmin",
		zap.String("version", buildVersion),
		zap.Stringer("policy", policy),
		zap.String("config", cfgFile))
	cfg.log(logger)

	meterProvider, err := initTelemetry(ctx, logger)
	if err != nil {
		logger.Warn("failed to initialize opentelemetry metrics", zap.Error(err))
	} else {
		otel.SetMeterProvider(meterProvider)
		defer func() {
			_ = meterProvider.Shutdown(context.Background())
		}()
	}

	if cfg.webAddress != "" {
		web := webapi.InitializeWebServer(webapi.WebServerOptions{
			Logger:        logger.Named("webapi"),
			LogLevel:      &logLevel,
			ListenAddress: cfg.webAddress,
		})
		web.MarkHealthy(true)
	}

	req, err := cfg.addRequest(policy)
	if err != nil {
		logger.Error("invalid request", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, cfg.timeout)
		defer timeoutCancel()
	}

	stopSignals := handleSignals(logger, cancel)
	defer stopSignals()

	s, err := buildStack(ctx, logger, cfg)
	if err != nil {
		logger.Error("failed to set up the run", zap.Error(err))
		return err
	}
	defer s.Close()

	startTime := time.Now()
	res, err := s.coordinator.Run(ctx, req, shardadd.RunOptions{DryRun: cfg.dryRun})
	if err != nil {
		logger.Error("run failed",
			zap.Error(err),
			zap.String("entity", adminerrors.EntityOf(err)),
			zap.Int("exitCode", adminerrors.ExitCode(err)),
			zap.Any("committed", res.Committed))
		return err
	}

	logger.Info("run completed",
		zap.Duration("took", time.Since(startTime)),
		zap.Bool("dryRun", res.DryRun),
		zap.Any("committed", res.Committed))

	return nil
}
