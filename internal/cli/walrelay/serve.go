package walrelay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"gitlab.com/gitlab-org/walrelay/internal/cbus"
	"gitlab.com/gitlab-org/walrelay/internal/config"
	"gitlab.com/gitlab-org/walrelay/internal/helper/perm"
	"gitlab.com/gitlab-org/walrelay/internal/log"
	"gitlab.com/gitlab-org/walrelay/internal/replication/relay"
	"gitlab.com/gitlab-org/walrelay/internal/replication/replicaset"
	"gitlab.com/gitlab-org/walrelay/internal/replication/server"
	"gitlab.com/gitlab-org/walrelay/internal/storage/engine"
	"gitlab.com/gitlab-org/walrelay/internal/storage/gc"
	"gitlab.com/gitlab-org/walrelay/internal/storage/keyvalue"
	"gitlab.com/gitlab-org/walrelay/internal/storage/wal"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
)

const (
	logFileName            = "walrelay.log"
	valueLogGCInterval     = 5 * time.Minute
	valueLogGCDiscardRatio = 0.5
)

var (
	walPrefix        = []byte("wal/")
	gcPrefix         = []byte("gc/")
	replicasetPrefix = []byte("replicaset/")
	dataPrefix       = []byte("data/")
)

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:      "serve",
		Usage:     "accept replica connections",
		UsageText: "walrelay serve --config <walrelay_config_file>",
		Flags: []cli.Flag{
			configFlag(),
		},
		Action: serveAction,
	}
}

func databasePath(dataDir string) string {
	return filepath.Join(dataDir, "db")
}

func serveAction(ctx *cli.Context) (returnErr error) {
	cfg, err := loadConfig(ctx.String(flagConfig))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logOutput := ctx.App.ErrWriter
	if cfg.Logging.Dir != "" {
		logFile, err := os.OpenFile(filepath.Join(cfg.Logging.Dir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, perm.PrivateFile)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer func() {
			if err := logFile.Close(); err != nil {
				returnErr = errors.Join(returnErr, fmt.Errorf("close log file: %w", err))
			}
		}()

		logOutput = log.NewSyncWriter(logFile)
	}

	logger, err := log.Configure(logOutput, cfg.Logging.Format, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	undoMaxprocs, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Info(fmt.Sprintf(format, args...))
	}))
	if err != nil {
		logger.WithError(err).Warn("set GOMAXPROCS")
	}
	defer undoMaxprocs()

	signalCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(signalCtx, logger, cfg)
}

func serve(ctx context.Context, logger log.Logger, cfg config.Cfg) (returnErr error) {
	instanceUUID, err := uuid.Parse(cfg.InstanceUUID)
	if err != nil {
		return fmt.Errorf("parse instance UUID: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, perm.PrivateDir); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	db, err := keyvalue.NewBadgerStore(logger, databasePath(cfg.DataDir))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			returnErr = errors.Join(returnErr, fmt.Errorf("close database: %w", err))
		}
	}()

	walLog, err := wal.Open(logger, keyvalue.NewPrefixedTransactioner(db, walPrefix), wal.Options{
		SegmentMaxRows: cfg.WAL.SegmentMaxRows,
	})
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer func() {
		if err := walLog.Close(); err != nil {
			returnErr = errors.Join(returnErr, fmt.Errorf("close wal: %w", err))
		}
	}()

	registry, err := gc.Open(logger, keyvalue.NewPrefixedTransactioner(db, gcPrefix), walLog)
	if err != nil {
		return fmt.Errorf("open gc registry: %w", err)
	}

	rs, err := replicaset.Open(logger, keyvalue.NewPrefixedTransactioner(db, replicasetPrefix), instanceUUID)
	if err != nil {
		return fmt.Errorf("open replicaset: %w", err)
	}

	eng := engine.New(logger, keyvalue.NewPrefixedTransactioner(db, dataPrefix), walLog, replicaset.InstanceID)

	bus := cbus.NewBus(logger)
	tx, err := bus.NewEndpoint(relay.TxEndpoint)
	if err != nil {
		return fmt.Errorf("create tx endpoint: %w", err)
	}
	defer tx.Close()

	metrics := relay.NewMetrics()
	manager := relay.NewManager(logger, cfg.Replication.RelayConfig(replicaset.InstanceID), walLog, eng, registry, bus, metrics)
	srv := server.New(logger, manager, rs, walLog, registry)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		metrics,
		registry,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	var promListener net.Listener
	if cfg.PrometheusListenAddr != "" {
		if promListener, err = net.Listen("tcp", cfg.PrometheusListenAddr); err != nil {
			_ = listener.Close()
			return fmt.Errorf("listen prometheus: %w", err)
		}
	}

	// The server outlives tx so that relays can flush their pipes on shutdown.
	txCtx, cancelTx := context.WithCancel(context.WithoutCancel(ctx))
	txDone := make(chan error, 1)
	go func() { txDone <- tx.Run(txCtx) }()
	defer func() {
		cancelTx()
		returnErr = errors.Join(returnErr, <-txDone)
	}()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return srv.Serve(ctx, listener)
	})

	if promListener != nil {
		group.Go(func() error {
			return servePrometheus(ctx, logger, promListener, promRegistry)
		})
	}

	group.Go(func() error {
		collectValueLog(ctx, logger, db)
		return nil
	})

	logger.WithFields(log.Fields{
		"instance_uuid": instanceUUID.String(),
		"vclock":        walLog.VClock().String(),
	}).Info("walrelay started")

	if err := group.Wait(); err != nil {
		return err
	}

	logger.Info("walrelay stopped")
	return nil
}

func servePrometheus(ctx context.Context, logger log.Logger, listener net.Listener, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("address", listener.Addr().String()).Info("serving prometheus metrics")
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve prometheus: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown prometheus: %w", err)
	}

	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve prometheus: %w", err)
	}

	return nil
}

// collectValueLog reclaims the space of badger's value log left behind by collected segments.
func collectValueLog(ctx context.Context, logger log.Logger, db keyvalue.Store) {
	ticker := time.NewTicker(valueLogGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.RunValueLogGC(valueLogGCDiscardRatio); err != nil {
				logger.WithError(err).Warn("value log garbage collection")
			}
		}
	}
}
