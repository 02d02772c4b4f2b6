package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/joseph-ayodele/receipts-ledger/internal/blob"
	"github.com/joseph-ayodele/receipts-ledger/internal/common"
	"github.com/joseph-ayodele/receipts-ledger/internal/export"
	"github.com/joseph-ayodele/receipts-ledger/internal/merge"
	"github.com/joseph-ayodele/receipts-ledger/internal/metrics"
	"github.com/joseph-ayodele/receipts-ledger/internal/pdfmerge"
	"github.com/joseph-ayodele/receipts-ledger/internal/receipts"
	repo "github.com/joseph-ayodele/receipts-ledger/internal/repository"
	"github.com/joseph-ayodele/receipts-ledger/internal/server"
	"github.com/joseph-ayodele/receipts-ledger/internal/thumbnail"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var (
		configFile = flag.String("config", "", "path to a YAML config file")
		envPath    = flag.String("env", ".", "directory holding .env files")
		debug      = flag.Bool("debug", false, "run gin in debug mode")
	)
	flag.Parse()

	cfg, err := common.LoadConfig(*configFile, *envPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := common.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err, "driver", cfg.Database.Driver)
		os.Exit(1)
	}
	defer db.Close(logger)

	if err := repo.Migrate(db, logger); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	blobs, err := blob.NewStore(cfg.Storage.ReceiptDir, logger)
	if err != nil {
		logger.Error("failed to open receipt directory", "dir", cfg.Storage.ReceiptDir, "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	thumbs := thumbnail.NewGenerator(thumbnail.Config{
		Width:    cfg.Thumbnail.Width,
		Height:   cfg.Thumbnail.Height,
		Quality:  cfg.Thumbnail.Quality,
		PDFDPI:   cfg.Thumbnail.PDFDPI,
		Pdftoppm: cfg.Thumbnail.Pdftoppm,
	}, thumbnail.ExecRunner{Logger: logger}, logger)
	engine := pdfmerge.NewEngine(pdfmerge.Config{
		DefaultDPI:     cfg.Merge.DefaultDPI,
		ReferenceWidth: cfg.Merge.ReferenceWidth,
		Margin:         cfg.Merge.Margin,
		JPEGQuality:    cfg.Merge.JPEGQuality,
	}, logger)

	receiptsRepo := repo.NewReceiptRepository(db.DB, logger)
	ledger := repo.NewHashHistoryRepository(db.DB, logger)
	txRepo := repo.NewTransactionRepository(db.DB, logger)

	receiptSvc := receipts.NewService(receiptsRepo, ledger, blobs, thumbs, m, logger)
	orchestrator := merge.NewOrchestrator(txRepo, receiptsRepo, ledger, blobs, engine, thumbs, m,
		cfg.Merge.WarningThreshold, logger)
	reports := export.NewService(receiptsRepo, ledger, txRepo, logger)

	handler, err := server.NewHandler(receiptSvc, orchestrator, reports, cfg.Server.MaxUploadBytes, logger)
	if err != nil {
		logger.Error("failed to build handlers", "error", err)
		os.Exit(1)
	}
	httpServer := server.New(server.Config{
		Debug:        *debug,
		Addr:         cfg.Server.HTTPAddr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  2 * time.Minute,
	}, server.Deps{
		Handler:  handler,
		Auth:     server.HeaderAuthenticator{Header: cfg.Server.UserHeader},
		Gatherer: reg,
		Ping:     db.PingContext,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)

	var (
		grpcServer   *grpc.Server
		healthServer *health.Server
	)
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			logger.Error("failed to listen on address", "addr", cfg.Server.GRPCAddr, "error", err)
			os.Exit(1)
		}
		grpcServer, healthServer = server.NewGRPCServer()
		logger.Info("gRPC health listening", "addr", cfg.Server.GRPCAddr)
		g.Go(func() error { return grpcServer.Serve(lis) })
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if grpcServer != nil {
			// report NOT_SERVING before draining connections
			healthServer.Shutdown()
			grpcServer.GracefulStop()
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("receiptsd stopped")
}

// openDatabase opens the configured database and retries the first ping
// so the service can start alongside its database container.
func openDatabase(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*repo.DB, error) {
	db, err := repo.Open(ctx, repo.Config{
		Driver:           cfg.Driver,
		DSN:              cfg.DSN,
		MaxConns:         cfg.MaxConns,
		MinConns:         cfg.MinConns,
		MaxConnLifetime:  cfg.MaxConnLifetime,
		MaxConnIdleTime:  cfg.MaxConnIdleTime,
		DialTimeout:      cfg.DialTimeout,
		StatementTimeout: cfg.StatementTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	ping := func() error {
		return repo.HealthCheck(ctx, db.DB, 5*time.Second, logger)
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("database not ready, retrying", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(policy, ctx), notify); err != nil {
		db.Close(logger)
		return nil, err
	}
	return db, nil
}
