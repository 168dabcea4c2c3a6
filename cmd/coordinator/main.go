/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/couchbase/gocbcorex/contrib/buildversion"
	"github.com/couchbase/stellar-coordinator/clustering"
	"github.com/couchbase/stellar-coordinator/lease"
	"github.com/couchbase/stellar-coordinator/lease/memlease"
	"github.com/couchbase/stellar-coordinator/membersource"
	"github.com/couchbase/stellar-coordinator/pkg/webapi"
	"github.com/couchbase/stellar-coordinator/utils/netutils"
	"github.com/couchbase/stellar-coordinator/utils/sliceutils"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	etcd "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var buildVersion string = buildversion.GetVersion("github.com/couchbase/stellar-coordinator")

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "stellar-coordinator",
	Short: "A service for coordinating cluster membership and leases",

	Run: func(cmd *cobra.Command, args []string) {
		startCoordinator()
	},
}

var cfgFile string
var watchCfgFile bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("node-name", "", "the unique name of this node, defaults to a random uuid")
	configFlags.String("advertise-addr", "", "the address other members use to reach this node")
	configFlags.String("membership", "static", "the membership source to use: etcd, gossip or static")
	configFlags.StringSlice("etcd-endpoints", []string{"localhost:2379"}, "the etcd endpoints to connect to")
	configFlags.String("etcd-prefix", "/stellar-coordinator/members/", "the etcd key prefix for member registrations")
	configFlags.Int("gossip-bind-port", 7946, "the gossip port")
	configFlags.StringSlice("gossip-join", nil, "existing gossip members to join through")
	configFlags.Int("vnodes", clustering.DefaultVnodesCount, "the number of virtual nodes per member")
	configFlags.Duration("lease-check-interval", lease.DefaultCheckInterval, "how often held leases are confirmed")
	configFlags.Duration("lease-acquire-timeout", lease.DefaultAcquireTimeout, "the maximum time spent acquiring a lease")
	configFlags.StringSlice("leases", nil, "the leases to spread across the cluster")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.Int("web-port", 9091, "the web metrics/health port")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	configFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	configFlags.Bool("trace-everything", false, "enables tracing of all components")
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("stc")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func initTelemetry(
	ctx context.Context,
	logger *zap.Logger,
	otlpEndpoint string,
	enableTraces bool,
	enableMetrics bool,
	traceEverything bool,
) (
	*sdktrace.TracerProvider,
	*sdkmetric.MeterProvider,
	error,
) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("couchbase-stellar-coordinator"),
		),
	)
	if err != nil {
		if res == nil {
			return nil, nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	var meterProvider *sdkmetric.MeterProvider
	if !enableMetrics || otlpEndpoint == "" {
		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
		)
	} else {
		metricExp, err := otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithEndpoint(otlpEndpoint))
		if err != nil {
			return nil, nil, err
		}

		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		)
	}

	var tracerProvider *sdktrace.TracerProvider
	if enableTraces && otlpEndpoint != "" {
		traceClient := otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(otlpEndpoint))
		traceExp, err := otlptrace.New(ctx, traceClient)
		if err != nil {
			return nil, nil, err
		}

		baseTracing := sdktrace.NeverSample()
		if traceEverything {
			baseTracing = sdktrace.AlwaysSample()
		}

		bsp := sdktrace.NewBatchSpanProcessor(traceExp)
		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(baseTracing)),
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(bsp),
		)
	}

	return tracerProvider, meterProvider, nil
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

type config struct {
	logLevelStr         string
	nodeName            string
	advertiseAddr       string
	membership          string
	etcdEndpoints       []string
	etcdPrefix          string
	gossipBindPort      int
	gossipJoin          []string
	vnodes              int
	leaseCheckInterval  time.Duration
	leaseAcquireTimeout time.Duration
	leases              []string
	bindAddress         string
	webPort             int
	otlpEndpoint        string
	disableOtlpTraces   bool
	disableOtlpMetrics  bool
	traceEverything     bool
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:         viper.GetString("log-level"),
		nodeName:            viper.GetString("node-name"),
		advertiseAddr:       viper.GetString("advertise-addr"),
		membership:          viper.GetString("membership"),
		etcdEndpoints:       sliceutils.RemoveDuplicates(viper.GetStringSlice("etcd-endpoints")),
		etcdPrefix:          viper.GetString("etcd-prefix"),
		gossipBindPort:      viper.GetInt("gossip-bind-port"),
		gossipJoin:          sliceutils.RemoveDuplicates(viper.GetStringSlice("gossip-join")),
		vnodes:              viper.GetInt("vnodes"),
		leaseCheckInterval:  viper.GetDuration("lease-check-interval"),
		leaseAcquireTimeout: viper.GetDuration("lease-acquire-timeout"),
		leases:              sliceutils.RemoveDuplicates(viper.GetStringSlice("leases")),
		bindAddress:         viper.GetString("bind-address"),
		webPort:             viper.GetInt("web-port"),
		otlpEndpoint:        viper.GetString("otlp-endpoint"),
		disableOtlpTraces:   viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics:  viper.GetBool("disable-otlp-metrics"),
		traceEverything:     viper.GetBool("trace-everything"),
	}

	logger.Info("parsed coordinator configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.String("nodeName", config.nodeName),
		zap.String("advertiseAddr", config.advertiseAddr),
		zap.String("membership", config.membership),
		zap.Strings("etcdEndpoints", config.etcdEndpoints),
		zap.String("etcdPrefix", config.etcdPrefix),
		zap.Int("gossipBindPort", config.gossipBindPort),
		zap.Strings("gossipJoin", config.gossipJoin),
		zap.Int("vnodes", config.vnodes),
		zap.Duration("leaseCheckInterval", config.leaseCheckInterval),
		zap.Duration("leaseAcquireTimeout", config.leaseAcquireTimeout),
		zap.Strings("leases", config.leases),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("webPort", config.webPort),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics),
		zap.Bool("traceEverything", config.traceEverything))

	return config
}

func buildProvider(logger *zap.Logger, config *config, advertiseAddr string, onLost func()) (membersource.Provider, func(), error) {
	switch config.membership {
	case "etcd":
		etcdClient, err := etcd.New(etcd.Config{
			Endpoints:   config.etcdEndpoints,
			DialTimeout: 5 * time.Second,
			Logger:      logger.Named("etcd-client"),
		})
		if err != nil {
			return nil, nil, err
		}

		provider, err := membersource.NewEtcdProvider(membersource.EtcdProviderOptions{
			EtcdClient:       etcdClient,
			KeyPrefix:        config.etcdPrefix,
			Logger:           logger.Named("etcd-provider"),
			OnMembershipLost: onLost,
		})
		if err != nil {
			_ = etcdClient.Close()
			return nil, nil, err
		}

		return provider, func() { _ = etcdClient.Close() }, nil
	case "gossip":
		provider, err := membersource.NewGossipProvider(membersource.GossipProviderOptions{
			BindAddr:      config.bindAddress,
			BindPort:      config.gossipBindPort,
			AdvertiseAddr: advertiseAddr,
			AdvertisePort: config.gossipBindPort,
			Seeds:         config.gossipJoin,
			Logger:        logger.Named("gossip-provider"),
		})
		if err != nil {
			return nil, nil, err
		}

		return provider, func() {}, nil
	case "static":
		provider, err := membersource.NewInProcProvider(membersource.InProcProviderOptions{})
		if err != nil {
			return nil, nil, err
		}

		return provider, func() {}, nil
	}

	return nil, nil, fmt.Errorf("unsupported membership source: %s", config.membership)
}

func startCoordinator() {
	// initialize the logger
	logLevel, logger := getLogger()

	logger.Info("starting stellar-coordinator", zap.String("version", buildVersion))

	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			logger.Panic("failed to load specified config file", zap.Error(err))
		}
	}

	config := readConfig(logger)

	parsedLogLevel, err := zapcore.ParseLevel(config.logLevelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)

	// setup telemetry, this must happen before any metrics are registered
	otlpTracerProvider, otlpMeterProvider, err :=
		initTelemetry(context.Background(),
			logger,
			config.otlpEndpoint,
			!config.disableOtlpTraces,
			!config.disableOtlpMetrics,
			config.traceEverything)
	if err != nil {
		logger.Error("failed to initialize opentelemetry", zap.Error(err))
		os.Exit(1)
	}

	if otlpTracerProvider != nil {
		otel.SetTracerProvider(otlpTracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	if otlpMeterProvider != nil {
		otel.SetMeterProvider(otlpMeterProvider)
	}

	nodeName := config.nodeName
	if nodeName == "" {
		nodeName = uuid.NewString()
	}

	advertiseAddr := config.advertiseAddr
	if advertiseAddr == "" {
		advertiseAddr, err = netutils.GetAdvertiseAddress(config.bindAddress)
		if err != nil {
			logger.Error("failed to determine advertise address", zap.Error(err))
			os.Exit(1)
		}
	}

	self := clustering.Member{
		Name:    nodeName,
		Address: advertiseAddr,
	}
	logger.Info("identified local member", zap.Stringer("self", self))

	cluster, err := clustering.NewCluster(clustering.ClusterOptions{
		Self: self,
		Partitioner: clustering.HashRingPartitioner(&clustering.HashRingOptions{
			VnodesCount: config.vnodes,
			Logger:      logger.Named("hashring"),
		}),
		Logger: logger.Named("cluster"),
	})
	if err != nil {
		logger.Error("failed to initialize the cluster", zap.Error(err))
		os.Exit(1)
	}
	defer cluster.Close()

	// there is no shared lease backend, so leases are only exclusive between
	// managers within this process
	logger.Warn("using the in-memory lease backend")
	leaseManager, err := lease.NewManager(lease.ManagerOptions{
		Backend:        memlease.NewStore(),
		HolderID:       nodeName,
		Logger:         logger.Named("lease-manager"),
		CheckInterval:  config.leaseCheckInterval,
		AcquireTimeout: config.leaseAcquireTimeout,
		Gate:           lease.ClusterGate(cluster, nil),
		AutoAcquire:    true,
	})
	if err != nil {
		logger.Error("failed to initialize the lease manager", zap.Error(err))
		os.Exit(1)
	}

	for _, leaseName := range config.leases {
		l := leaseManager.RequestLease(leaseName)
		l.AddListener(lease.ListenerFuncs{
			OnAcquire: func(l lease.Lease) {
				logger.Info("lease acquired", zap.String("lease", l.Name()))
			},
			OnRelease: func(l lease.Lease) {
				logger.Info("lease released", zap.String("lease", l.Name()))
			},
		})
	}

	// leases move with ring ownership, so re-check them on every change
	cluster.Watch(func(changes *clustering.Changes) {
		if changes.HasDiffs() {
			logger.Info("cluster membership changed",
				zap.Stringers("added", changes.Added),
				zap.Stringers("removed", changes.Removed))
		}

		leaseManager.Trigger()
	})

	leaseManager.Start()

	provider, closeProvider, err := buildProvider(logger, config, advertiseAddr, func() {
		logger.Warn("membership registration lost, releasing all leases")
		leaseManager.ConnectionLost()
	})
	if err != nil {
		logger.Error("failed to initialize membership source", zap.Error(err))
		os.Exit(1)
	}
	defer closeProvider()

	syncer, err := membersource.NewSyncer(membersource.SyncerOptions{
		Provider: provider,
		Cluster:  cluster,
		Logger:   logger.Named("membership"),
	})
	if err != nil {
		logger.Error("failed to initialize membership syncer", zap.Error(err))
		os.Exit(1)
	}

	// setup the web service
	webListenAddress := fmt.Sprintf("%s:%v", config.bindAddress, config.webPort)
	webServer := webapi.NewWebServer(webapi.WebServerOptions{
		Logger:        logger.Named("webapi"),
		LogLevel:      &logLevel,
		ListenAddress: webListenAddress,
		Cluster:       cluster,
		Leases:        leaseManager,
	})

	go func() {
		logger.Info("starting web server", zap.String("address", webListenAddress))

		err := webServer.ListenAndServe()
		if err != nil {
			logger.Error("failed to serve web api", zap.Error(err))
		}
	}()

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		err := viper.ReadInConfig()
		if err != nil {
			logger.Warn("failed to parse configuration file",
				zap.Error(err))
		}

		newConfig := readConfig(logger)

		if newConfig.nodeName != config.nodeName ||
			newConfig.advertiseAddr != config.advertiseAddr ||
			newConfig.membership != config.membership {
			logger.Warn("config changes for nodeName, advertiseAddr or membership require a restart")
		}

		if newConfig.bindAddress != config.bindAddress ||
			newConfig.webPort != config.webPort ||
			newConfig.gossipBindPort != config.gossipBindPort {
			logger.Warn("config changes for bindAddress, webPort or gossipBindPort require a restart")
		}

		if newConfig.vnodes != config.vnodes ||
			newConfig.leaseCheckInterval != config.leaseCheckInterval ||
			newConfig.leaseAcquireTimeout != config.leaseAcquireTimeout {
			logger.Warn("config changes for vnodes, leaseCheckInterval or leaseAcquireTimeout require a restart")
		}

		if newConfig.logLevelStr != config.logLevelStr {
			newParsedLogLevel, err := zapcore.ParseLevel(newConfig.logLevelStr)
			if err != nil {
				logger.Warn("invalid log level specified, using INFO instead")
				newParsedLogLevel = zapcore.InfoLevel
			}

			logLevel.SetLevel(newParsedLogLevel)

			logger.Info("updated log level",
				zap.String("newLevel", newParsedLogLevel.String()))
		}

		config = newConfig
	}

	if watchCfgFile {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected")
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		hasReceivedSigInt := false
		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("Received SIGINT, attempting graceful shutdown...")
					hasReceivedSigInt = true
					cancelRun()
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("Received SIGTERM, attempting graceful shutdown...")
				cancelRun()
			} else if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration...")
				reloadConfiguration()
			}
		}
	}()

	err = syncer.Run(runCtx)

	leaseManager.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	shutdownErr := webServer.Shutdown(shutdownCtx)
	if shutdownErr != nil && !errors.Is(shutdownErr, context.DeadlineExceeded) {
		logger.Warn("failed to shutdown web server", zap.Error(shutdownErr))
	}

	if err != nil {
		logger.Error("membership syncer failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("coordinator shutdown gracefully")
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
