package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"medic/internal/config"
	"medic/internal/controller"
	"medic/internal/decision"
	"medic/internal/decision/action"
	"medic/internal/fault"
	"medic/internal/httpapi"
	"medic/internal/metrics"
	"medic/internal/rca"
	"medic/internal/source"
	"medic/internal/wire"
	"medic/pkg/model"
	"medic/pkg/store"
)

type options struct {
	nodeID   string
	hostAddr string
	rpcPort  int
	httpAddr string
	logLevel string

	etcdEndpoints []string
	configDir     string
	enabledFile   string
	dataDir       string
	retention     time.Duration

	tick         time.Duration
	remoteWait   time.Duration
	workers      int

	staleAfterPeriods int
	inboundCapacity   int
	outboundCapacity  int
	networkWorkers    int

	pollInterval time.Duration

	dockerContainer string
	influx          source.InfluxConfig
	kafka           decision.KafkaConfig
}

func main() {
	opts := &options{}
	host, _ := os.Hostname()

	root := &cobra.Command{
		Use:   "medic",
		Short: "Per-node resource pressure diagnosis sidecar",
		Long: `medic evaluates a graph of metric, RCA and decision vertices on every
node, exchanges intermediate results across the cluster and publishes
tuning actions from the elected coordinator.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	f := root.Flags()
	f.StringVar(&opts.nodeID, "node-id", host, "unique node id")
	f.StringVar(&opts.hostAddr, "host", "127.0.0.1", "address peers use to reach this node")
	f.IntVar(&opts.rpcPort, "rpc-port", 9650, "wire (gRPC) port")
	f.StringVar(&opts.httpAddr, "http-addr", ":9600", "metrics / health / query listen address")
	f.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")

	f.StringSliceVar(&opts.etcdEndpoints, "etcd", []string{"localhost:2379"}, "etcd endpoints")
	f.StringVar(&opts.configDir, "config-dir", "", "read analysis config from <dir>/rca_<role>.yaml instead of etcd")
	f.StringVar(&opts.enabledFile, "enabled-file", "", "file holding true/false; empty means always enabled")
	f.StringVar(&opts.dataDir, "data-dir", "/var/lib/medic", "local badger directory")
	f.DurationVar(&opts.retention, "retention", 7*24*time.Hour, "how long persisted flow units and actions are kept")

	f.DurationVar(&opts.tick, "tick", 5*time.Second, "scheduler base period")
	f.DurationVar(&opts.remoteWait, "remote-wait", 2*time.Second, "per-tick budget for waiting on remote flow units")
	f.IntVar(&opts.workers, "workers", 4, "max concurrent vertex evaluations per level")
	f.IntVar(&opts.staleAfterPeriods, "stale-after-periods", 3, "producer periods without messages before a peer is considered stale")
	f.IntVar(&opts.inboundCapacity, "inbound-capacity", 200, "buffered flow units per remote vertex")
	f.IntVar(&opts.outboundCapacity, "outbound-capacity", 1000, "queued outbound wire messages")
	f.IntVar(&opts.networkWorkers, "network-workers", 4, "concurrent outbound wire senders")
	f.DurationVar(&opts.pollInterval, "poll-interval", 5*time.Second, "controller poll interval")

	f.StringVar(&opts.dockerContainer, "docker-container", "", "container whose stats feed the docker source")
	f.StringVar(&opts.influx.URL, "influx-url", "", "InfluxDB url for the influx source")
	f.StringVar(&opts.influx.Token, "influx-token", os.Getenv("INFLUX_TOKEN"), "InfluxDB token")
	f.StringVar(&opts.influx.Org, "influx-org", "", "InfluxDB organization")
	f.StringVar(&opts.influx.Bucket, "influx-bucket", "", "InfluxDB bucket")
	f.StringVar(&opts.influx.Measurement, "influx-measurement", "", "InfluxDB measurement")
	f.StringSliceVar(&opts.kafka.Brokers, "kafka-brokers", nil, "publish actions to kafka when set")
	f.StringVar(&opts.kafka.Topic, "kafka-topic", "medic-actions", "kafka topic for published actions")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func run(ctx context.Context, opts *options) error {
	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	self := model.Node{ID: opts.nodeID, IP: opts.hostAddr, RPCPort: opts.rpcPort}
	m := metrics.New()

	// 1. 初始化 Etcd 连接 (成员、选举、远端配置、动作镜像)
	etcdManager, err := store.NewEtcdManager(opts.etcdEndpoints, logger)
	if err != nil {
		return fmt.Errorf("connect etcd: %w", err)
	}
	defer etcdManager.Close()
	logger.Info("connected to etcd", zap.Strings("endpoints", opts.etcdEndpoints))

	// 2. 本地持久化
	bcfg := store.DefaultBadgerConfig(filepath.Join(opts.dataDir, "badger"))
	bcfg.Retention = opts.retention
	bcfg.Logger = logger
	persist, err := store.OpenBadger(bcfg)
	if err != nil {
		return fmt.Errorf("open badger: %w", err)
	}
	defer persist.Close()

	// 3. 指标来源
	sources, closeSources, err := buildSources(opts, logger)
	if err != nil {
		return err
	}
	defer closeSources()

	// 4. 动作监听者：日志 -> etcd 镜像 -> kafka (可选)
	listeners := []decision.Listener{
		decision.NewLogListener(logger),
		decision.NewEtcdListener(etcdManager),
	}
	if len(opts.kafka.Brokers) > 0 {
		w, err := decision.NewKafkaWriter(opts.kafka)
		if err != nil {
			return err
		}
		defer w.Close()
		listeners = append(listeners, decision.NewKafkaListener(w, opts.kafka.WriteTimeout))
	}

	cache := action.NewNodeConfigCache()
	build := controller.NewGraphBuilder(
		rca.Deps{Sources: sources, Cache: cache},
		decision.Deps{Cache: cache, Persist: persist, Listeners: listeners, Metrics: m, Logger: logger},
	)

	// 5. 故障处理协程
	faults := fault.NewHandler(m, logger)
	go faults.Run(ctx)

	// 6. wire 服务端：生命周期和进程一致，流水线重建时只换 handler
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(opts.rpcPort))
	if err != nil {
		return fmt.Errorf("listen wire: %w", err)
	}
	wireServer := wire.NewServer(m, logger)
	faults.Go("wire-server", func() {
		if err := wireServer.Serve(lis); err != nil {
			logger.Error("wire server exited", zap.Error(err))
		}
	})
	defer wireServer.Stop()

	// 7. 配置来源
	var provider config.Provider
	if opts.configDir != "" {
		provider = config.NewFileProvider(opts.configDir)
	} else {
		provider = config.NewRemoteProvider(etcdManager)
	}

	// 8. 选举
	roles := controller.NewElectionRoles(etcdManager, self, opts.pollInterval, logger)
	go roles.Campaign(ctx)

	ctl := controller.New(controller.Config{
		Self:           self,
		PollInterval:   opts.pollInterval,
		EnabledFile:    opts.enabledFile,
		DefaultEnabled: true,
		Tick:           opts.tick,
		RemoteWait:     opts.remoteWait,
		Workers:        opts.workers,

		StaleAfterPeriods: opts.staleAfterPeriods,
		InboundCapacity:   opts.inboundCapacity,
		OutboundCapacity:  opts.outboundCapacity,
		NetworkWorkers:    opts.networkWorkers,
	}, controller.Deps{
		Provider:  provider,
		Roles:     roles,
		Registrar: etcdManager,
		Members:   etcdManager,
		Build:     build,
		Server:    wireServer,
		Persist:   persist,
		Live:      config.NewLive(nil),
		Faults:    faults,
		Metrics:   m,
		Logger:    logger,
	})

	// 配置变化立即唤醒 poll 循环
	var watched []string
	if opts.configDir != "" {
		for _, name := range []string{"rca.yaml", "rca_data.yaml", "rca_coordinator.yaml"} {
			watched = append(watched, filepath.Join(opts.configDir, name))
		}
	} else {
		ctl.WatchRemote(ctx, etcdManager.WatchConfig(ctx))
	}
	if opts.enabledFile != "" {
		watched = append(watched, opts.enabledFile)
	}
	if len(watched) > 0 {
		if err := ctl.WatchFiles(ctx, watched...); err != nil {
			logger.Warn("file watch unavailable, relying on polling", zap.Error(err))
		}
	}

	// 9. 运维接口
	httpLis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	api := httpapi.New(opts.httpAddr, httpapi.Deps{
		Gatherer: m.Gatherer(),
		Health:   ctl,
		Store:    persist,
		Actions:  etcdManager,
		Logger:   logger,
	})
	faults.Go("http-api", func() {
		if err := api.Serve(httpLis); err != nil {
			logger.Error("http api exited", zap.Error(err))
		}
	})

	logger.Info("medic started",
		zap.Stringer("node", self.Key()),
		zap.Int("rpc_port", opts.rpcPort),
		zap.String("http_addr", opts.httpAddr))

	// 10. 阻塞直到收到信号，退出时先停流水线
	ctl.Run(ctx)

	logger.Info("shutting down medic")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http api shutdown", zap.Error(err))
	}
	return nil
}

// buildSources 按参数装配指标来源；default 指向第一个配置了的来源
func buildSources(opts *options, logger *zap.Logger) (map[string]source.Source, func(), error) {
	sources := map[string]source.Source{"static": source.NewStaticSource()}
	var closers []func()
	order := []string{}

	if opts.dockerContainer != "" {
		d, err := source.NewDockerSource(opts.dockerContainer)
		if err != nil {
			return nil, nil, fmt.Errorf("docker source: %w", err)
		}
		sources["docker"] = d
		order = append(order, "docker")
	}
	if opts.influx.URL != "" {
		in, err := source.NewInfluxSource(opts.influx)
		if err != nil {
			return nil, nil, fmt.Errorf("influx source: %w", err)
		}
		sources["influx"] = in
		closers = append(closers, in.Close)
		order = append(order, "influx")
	}
	order = append(order, "static")
	sources["default"] = sources[order[0]]
	logger.Info("metric sources ready", zap.Strings("sources", order), zap.String("default", order[0]))

	return sources, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}
