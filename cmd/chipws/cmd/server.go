package cmd

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/chipws/pkg/chipws/conc"
	"github.com/tsarna/chipws/pkg/chipws/config"
	"github.com/tsarna/chipws/pkg/chipws/controller"
	"github.com/tsarna/chipws/pkg/chipws/dispatch"
	"github.com/tsarna/chipws/pkg/chipws/o11y"
	"github.com/tsarna/chipws/pkg/chipws/otel"
	"github.com/tsarna/chipws/pkg/chipws/prom"
	"github.com/tsarna/chipws/pkg/chipws/protocol"
	"github.com/tsarna/chipws/pkg/chipws/server"
	"github.com/tsarna/chipws/pkg/chipws/storage"
)

const (
	defaultHost        = "0.0.0.0"
	defaultPort        = "8080"
	defaultStoragePath = "~/.chip-storage/chipws.db"
	serviceName        = "chipws"
	serviceVersion     = "0.1.0"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server [config-files-or-directories...]",
	Short: "Start the chipws server",
	Long: `Start the chipws server.

Without arguments the server is configured from flags, whose defaults come
from CHIP_WS_SERVER_HOST, CHIP_WS_SERVER_PORT and CHIP_WS_STORAGE. With
arguments, HCL configuration is loaded from the given files, or from every
*.chipws file below the given directories; flags then only fill in what the
configuration leaves out.

Examples:
  chipws server
  chipws server --port 5580 --storage /var/lib/chipws/chipws.db
  chipws server chipws.chipws
  chipws server ./configs/`,
	RunE: runServer,
}

type serverOptions struct {
	host            string
	port            string
	path            string
	storagePath     string
	metricsListen   string
	pingInterval    time.Duration
	rateLimit       float64
	rateBurst       int
	poolSize        int
	shutdownTimeout time.Duration
}

var serverOpts serverOptions

func init() {
	rootCmd.AddCommand(serverCmd)

	flags := serverCmd.Flags()
	flags.StringVar(&serverOpts.host, "host", envOr("CHIP_WS_SERVER_HOST", defaultHost), "listen host")
	flags.StringVar(&serverOpts.port, "port", envOr("CHIP_WS_SERVER_PORT", defaultPort), "listen port")
	flags.StringVar(&serverOpts.path, "path", config.DefaultRoute, "WebSocket route")
	flags.StringVar(&serverOpts.storagePath, "storage", envOr("CHIP_WS_STORAGE", defaultStoragePath), "controller storage file")
	flags.StringVar(&serverOpts.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address (e.g. :9090)")
	flags.DurationVar(&serverOpts.pingInterval, "ping-interval", server.DefaultPingInterval, "WebSocket ping interval, 0 to disable")
	flags.Float64Var(&serverOpts.rateLimit, "rate-limit", 0, "maximum commands per second per server, 0 for no limit")
	flags.IntVar(&serverOpts.rateBurst, "rate-burst", 10, "rate limit burst")
	flags.IntVar(&serverOpts.poolSize, "pool-size", conc.DefaultPoolSize, "worker pool size for asynchronous commands")
	flags.DurationVar(&serverOpts.shutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
}

func envOr(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return fallback
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolving home directory")
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// fillDefaults completes cfg with whatever the flags describe and the
// configuration does not.
func (o serverOptions) fillDefaults(cfg *config.Config) error {
	if len(cfg.Servers) == 0 {
		pingInterval := o.pingInterval
		sc := &config.ServerConfig{
			Name:         "default",
			Listen:       net.JoinHostPort(o.host, o.port),
			Path:         o.path,
			PingInterval: &pingInterval,
			Handshake:    protocol.DefaultHandshake(),
		}
		if o.rateLimit > 0 {
			sc.RateLimit = o.rateLimit
			sc.RateBurst = max(o.rateBurst, 1)
		}
		cfg.Servers = append(cfg.Servers, sc)
	}

	if cfg.Storage == nil {
		cfg.Storage = &config.StorageConfig{Path: o.storagePath}
	}
	path, err := expandHome(cfg.Storage.Path)
	if err != nil {
		return err
	}
	cfg.Storage.Path = path

	if cfg.Metrics == nil && o.metricsListen != "" {
		cfg.Metrics = &config.MetricsConfig{
			Listen:    o.metricsListen,
			Path:      "/metrics",
			Namespace: serviceName,
		}
	}

	if cfg.Controller == nil {
		cfg.Controller = &config.ControllerConfig{}
	}
	if cfg.Controller.PoolSize == 0 {
		cfg.Controller.PoolSize = o.poolSize
	}

	return nil
}

func loadConfig(logger *zap.Logger, sources []string) (*config.Config, error) {
	if len(sources) == 0 {
		return &config.Config{Logger: logger}, nil
	}

	cfg, diags := config.NewConfig().
		WithLogger(logger).
		WithSources(lo.ToAnySlice(sources)...).
		Build()
	if diags.HasErrors() {
		logger.Error("Failed to build config", zap.Any("diags", diags))
		return nil, diags
	}
	return cfg, nil
}

// runningServer is one HTTP server and the WebSocket listener it serves.
type runningServer struct {
	name     string
	http     *http.Server
	listener *server.Listener
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return errors.Wrap(err, "failed to setup logger")
	}
	defer logger.Sync()

	logger.Info("Starting chipws server",
		zap.Strings("config-paths", args),
		zap.String("log-level", logLevel),
	)

	cfg, err := loadConfig(logger, args)
	if err != nil {
		return err
	}
	if err := serverOpts.fillDefaults(cfg); err != nil {
		return err
	}

	storeOpts := []storage.Option{storage.WithLogger(logger)}
	if cfg.Storage.LockTimeout != nil {
		storeOpts = append(storeOpts, storage.WithLockTimeout(*cfg.Storage.LockTimeout))
	}
	store, err := storage.Open(cfg.Storage.Path, storeOpts...)
	if err != nil {
		return errors.Wrap(err, "failed to open storage")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Error closing storage", zap.Error(err))
		}
	}()

	pool, err := conc.NewPool(
		conc.WithSize(cfg.Controller.PoolSize),
		conc.WithLogger(logger),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create worker pool")
	}
	defer func() {
		if err := pool.Release(serverOpts.shutdownTimeout); err != nil {
			logger.Warn("Worker pool did not drain", zap.Error(err))
		}
	}()

	ctrlBuilder := controller.New().
		WithStore(store).
		WithLogger(logger).
		WithExecutor(pool)
	if cfg.Controller.CommissionDelay != nil {
		ctrlBuilder.WithCommissionDelay(*cfg.Controller.CommissionDelay)
	}
	ctrl, err := ctrlBuilder.Build()
	if err != nil {
		return errors.Wrap(err, "failed to start controller")
	}
	defer ctrl.Shutdown()

	otelProvider := otel.NewProvider(serviceName, serviceVersion)
	var metricsProvider o11y.MetricsProvider = otelProvider
	var metricsServer *http.Server
	if cfg.Metrics != nil {
		promProvider := prom.NewProvider(cfg.Metrics.Namespace, logger)
		metricsProvider = promProvider

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promProvider.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	servers := make([]*runningServer, 0, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		rs, err := buildServer(sc, ctrl, logger, metricsProvider, otelProvider)
		if err != nil {
			return err
		}
		servers = append(servers, rs)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, len(servers)+1)
	serve := func(name string, srv *http.Server) {
		logger.Info("Listening", zap.String("server", name), zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.Wrapf(err, "server %s", name)
		}
	}
	for _, rs := range servers {
		go serve(rs.name, rs.http)
	}
	if metricsServer != nil {
		go serve("metrics", metricsServer)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-errCh:
		logger.Error("Server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverOpts.shutdownTimeout)
	defer cancel()

	for _, rs := range servers {
		if err := rs.listener.Shutdown(shutdownCtx); err != nil {
			logger.Warn("WebSocket shutdown incomplete", zap.String("server", rs.name), zap.Error(err))
		}
	}
	for _, rs := range servers {
		if err := rs.http.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown incomplete", zap.String("server", rs.name), zap.Error(err))
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown incomplete", zap.Error(err))
		}
	}

	// Deferred: controller shutdown, worker pool release, storage close.
	logger.Info("chipws server stopped")
	return runErr
}

func buildServer(sc *config.ServerConfig, ctrl *controller.Controller, logger *zap.Logger,
	metrics o11y.MetricsProvider, tracing o11y.TracingProvider) (*runningServer, error) {
	serverLogger := logger.With(zap.String("server", sc.Name))

	router, err := dispatch.NewRouter().
		WithLogger(serverLogger).
		WithNamespace(ctrl.Namespace()).
		WithMiddleware(
			dispatch.Tracing(tracing),
			dispatch.Logging(serverLogger),
			sc.Middleware(),
		).
		Build()
	if err != nil {
		return nil, errors.Wrapf(err, "server %s: failed to build router", sc.Name)
	}

	listener, err := sc.Apply(server.NewListenerConfig()).
		WithRouter(router).
		WithLogger(serverLogger).
		WithMetrics(metrics).
		Build()
	if err != nil {
		return nil, errors.Wrapf(err, "server %s", sc.Name)
	}

	mux := http.NewServeMux()
	mux.Handle(sc.Path, listener)

	return &runningServer{
		name:     sc.Name,
		listener: listener,
		http: &http.Server{
			Addr:              sc.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}
