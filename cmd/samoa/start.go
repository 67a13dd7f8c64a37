package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/devrev/samoa/internal/cluster"
	"github.com/devrev/samoa/internal/config"
	"github.com/devrev/samoa/internal/digest"
	"github.com/devrev/samoa/internal/handler"
	"github.com/devrev/samoa/internal/health"
	"github.com/devrev/samoa/internal/metrics"
	"github.com/devrev/samoa/internal/model"
	"github.com/devrev/samoa/internal/request"
	"github.com/devrev/samoa/internal/server"
	"github.com/devrev/samoa/internal/service"
	"github.com/devrev/samoa/internal/transport"
)

// flagKeys maps start flags to configuration keys
var flagKeys = map[string]string{
	"host":             "server.hostname",
	"port":             "server.port",
	"listen-backlog":   "server.listen_backlog",
	"db-uri":           "storage.db_uri",
	"partition-path":   "storage.partition_path",
	"digest-directory": "storage.digest_directory",
	"seed":             "cluster.seeds",
	"log-level":        "logging.level",
}

func newStartCmd() *cobra.Command {
	v := config.NewViper()
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a samoa server",
		Long: `Start a samoa server. Flags override the configuration file, and
SAMOA_<SECTION>_<KEY> environment variables (e.g. SAMOA_SERVER_PORT) override both.`,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindFlags(cmd, v)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path, v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "./config.yaml"
	}
	flags := cmd.Flags()
	flags.String("config", defaultConfig, "configuration file")
	flags.String("host", "", "hostname peers reach this server at")
	flags.Int("port", 0, "port of the data listener")
	flags.Int("listen-backlog", 0, "requests served concurrently per connection")
	flags.String("db-uri", "", "cluster state store: a LevelDB directory or a postgres:// URI")
	flags.String("partition-path", "", "directory of partition ring layers; empty keeps them in memory")
	flags.String("digest-directory", "", "directory of partition digests; empty keeps them in memory")
	flags.StringSlice("seed", nil, "host:port of a server to discover the cluster from (repeatable)")
	flags.String("log-level", "", "debug, info, warn or error")
	return cmd
}

// bindFlags binds every start flag to its configuration key. Unchanged
// flags leave the file and environment in charge.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}

// bootstrapDescription loads the saved cluster state, or creates the state
// of a new server. The configured hostname and port always win.
func bootstrapDescription(ctx context.Context, store cluster.Store, cfg *config.Config) (*model.ClusterStateDescription, error) {
	desc, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster state: %w", err)
	}
	if desc == nil {
		desc = &model.ClusterStateDescription{LocalUUID: model.RandomUUID()}
	}
	desc.LocalHostname = cfg.Server.Hostname
	desc.LocalPort = uint32(cfg.Server.Port)

	if err := store.Save(ctx, desc); err != nil {
		return nil, fmt.Errorf("failed to save cluster state: %w", err)
	}
	return desc, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	for _, dir := range []string{cfg.Storage.PartitionPath, cfg.Storage.DigestDirectory} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	store, err := cluster.OpenStore(ctx, cfg.Storage.DBURI, logger)
	if err != nil {
		return err
	}
	desc, err := bootstrapDescription(ctx, store, cfg)
	if err != nil {
		store.Close()
		return err
	}
	logger.Info("Configuration loaded",
		zap.String("server_uuid", desc.LocalUUID.String()),
		zap.String("address", cfg.Address()),
		zap.Int("tables", len(desc.Tables)),
		zap.Int("peers", len(desc.Peers)))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	manager, err := cluster.NewManager(desc, cluster.ManagerConfig{
		Store: store,
		Opener: cluster.NewOpener(cluster.OpenerConfig{
			PartitionPath:   cfg.Storage.PartitionPath,
			DigestDirectory: cfg.Storage.DigestDirectory,
			DigestSize:      cfg.Storage.DigestSize,
			HighWaterMark:   cfg.Compaction.HighWaterMark,
			JitterBound:     cfg.Cluster.JitterBound,
		}, logger),
		DroppedRetention: cfg.Cluster.DroppedRetention,
	}, logger)
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to build cluster state: %w", err)
	}

	client := transport.NewClient(transport.ClientConfig{
		DialTimeout:    cfg.Replication.DialTimeout,
		RequestTimeout: cfg.Replication.Timeout,
	}, logger.Named("client"))
	executor := request.NewExecutor(client, request.Config{PeerTimeout: cfg.Replication.Timeout}, m, logger)
	digests := digest.NewRemoteCache(2 * cfg.Cluster.PeerPollInterval)

	stop := make(chan struct{})
	var stopOnce sync.Once
	shutdown := func() { stopOnce.Do(func() { close(stop) }) }

	h := handler.NewHandler(handler.Config{
		DefaultReplicationFactor:  cfg.Cluster.DefaultReplicationFactor,
		DefaultConsistencyHorizon: cfg.Cluster.DefaultConsistencyHorizon,
		DefaultLayers:             cfg.Layers(),
	}, manager, executor, digests, m, shutdown, logger)

	srv := transport.NewServer(transport.ServerConfig{
		Address:        cfg.Address(),
		MaxConnections: cfg.Server.MaxConnections,
		MaxInFlight:    cfg.Server.ListenBacklog,
		RequestTimeout: cfg.Server.RequestTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
	}, h, logger.Named("server"))
	if err := srv.Listen(); err != nil {
		manager.Close()
		return err
	}

	bg := service.NewContext(ctx, service.Config{
		Seeds:              cfg.Cluster.Seeds,
		PeerPollInterval:   cfg.Cluster.PeerPollInterval,
		DiscoveryInterval:  cfg.Cluster.DiscoveryInterval,
		PeerTimeout:        cfg.Replication.Timeout,
		CompactionInterval: cfg.Compaction.Interval,
		GossipThreshold:    cfg.Compaction.GossipThreshold,
		ReplicationWorkers: cfg.Replication.Workers,
		ReplicationRate:    cfg.Replication.CompactionRate,
		Membership: service.MembershipConfig{
			Enabled:      cfg.Gossip.Enabled,
			BindAddr:     cfg.Gossip.BindAddr,
			BindPort:     cfg.Gossip.BindPort,
			PingInterval: cfg.Gossip.PingInterval,
			Join:         cfg.Gossip.Join,
		},
	}, manager, client, executor, digests, m, logger)
	if err := bg.Start(); err != nil {
		srv.Close()
		manager.Close()
		return err
	}

	checker := health.NewHealthChecker(health.HealthCheckConfig{
		Directories: []string{cfg.Storage.PartitionPath, cfg.Storage.DigestDirectory, stateDirectory(cfg.Storage.DBURI)},
	}, m, logger.Named("health"))
	bg.Group().Go("health", checker.Run)

	var metricsSrv *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsSrv = server.NewMetricsServer(server.MetricsServerConfig{Port: cfg.Metrics.Port}, reg, checker, logger)
		if err := metricsSrv.Start(); err != nil {
			logger.Error("Failed to start metrics server", zap.Error(err))
			metricsSrv = nil
		}
	}
	var healthSrv *server.HealthServer
	if cfg.Metrics.GRPCHealthPort > 0 {
		healthSrv = server.NewHealthServer(cfg.Metrics.GRPCHealthPort, logger)
		if err := healthSrv.Start(); err != nil {
			logger.Error("Failed to start gRPC health server", zap.Error(err))
			healthSrv = nil
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()
	if healthSrv != nil {
		healthSrv.SetServing(true)
	}
	logger.Info("Server started", zap.String("address", srv.Addr().String()))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	var result error
	select {
	case sig := <-signals:
		logger.Info("Shutting down gracefully", zap.String("signal", sig.String()))
	case <-stop:
		logger.Info("Shutting down on request")
	case <-ctx.Done():
		logger.Info("Shutting down", zap.Error(ctx.Err()))
	case err := <-serveErr:
		logger.Error("Listener failed", zap.Error(err))
		result = err
	}

	checker.SetReadiness(false)
	if healthSrv != nil {
		healthSrv.SetServing(false)
	}
	if err := srv.Close(); err != nil {
		logger.Warn("Failed to close listener", zap.Error(err))
	}
	executor.Wait()
	if err := bg.Close(cfg.Server.ShutdownTimeout); err != nil {
		logger.Warn("Background services did not stop cleanly", zap.Error(err))
	}
	if err := client.Close(); err != nil {
		logger.Warn("Failed to close peer connections", zap.Error(err))
	}
	if err := manager.Close(); err != nil {
		logger.Warn("Failed to close cluster state", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Stop(); err != nil {
			logger.Warn("Failed to stop metrics server", zap.Error(err))
		}
	}
	if healthSrv != nil {
		healthSrv.Stop()
	}
	logger.Info("Server stopped")
	return result
}

// stateDirectory returns the LevelDB directory of uri, or "" for remote
// stores
func stateDirectory(uri string) string {
	if strings.HasPrefix(uri, "postgres://") || strings.HasPrefix(uri, "postgresql://") {
		return ""
	}
	return strings.TrimPrefix(uri, "leveldb://")
}
