package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joseph-ayodele/receipts-ledger/internal/blob"
	"github.com/joseph-ayodele/receipts-ledger/internal/common"
	"github.com/joseph-ayodele/receipts-ledger/internal/export"
	"github.com/joseph-ayodele/receipts-ledger/internal/ingest"
	"github.com/joseph-ayodele/receipts-ledger/internal/metrics"
	"github.com/joseph-ayodele/receipts-ledger/internal/receipts"
	repo "github.com/joseph-ayodele/receipts-ledger/internal/repository"
	"github.com/joseph-ayodele/receipts-ledger/internal/thumbnail"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		configFile = flag.String("config", "", "path to a YAML config file")
		inmem      = flag.Bool("inmem", false, "use in-memory SQLite database")
		dir        = flag.String("dir", "", "directory to import receipts from (required)")
		user       = flag.Int64("user", 0, "user id that owns the imported receipts (required)")
		receiptDir = flag.String("receipt-dir", "", "blob directory (defaults to storage.receipt_dir)")
		out        = flag.String("out", "", "optional XLSX audit report path")
		watch      = flag.Bool("watch", false, "keep watching --dir for new files until interrupted")
		skipHidden = flag.Bool("skip-hidden", true, "skip dot files and directories")
	)
	flag.Parse()

	if *dir == "" {
		printError("Error: --dir is required\n")
		os.Exit(1)
	}
	if *user <= 0 {
		printError("Error: --user must be a positive id\n")
		os.Exit(1)
	}

	cfg, err := common.LoadConfig(*configFile, ".")
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
	logger := common.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *repo.DB
	if *inmem {
		db, err = repo.OpenSQLite("", logger)
	} else {
		db, err = repo.Open(ctx, repo.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, DialTimeout: 3 * time.Second}, logger)
	}
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close(logger)
	if err := repo.Migrate(db, logger); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	if *receiptDir == "" {
		*receiptDir = cfg.Storage.ReceiptDir
	}
	blobs, err := blob.NewStore(*receiptDir, logger)
	if err != nil {
		logger.Error("failed to open receipt directory", "dir", *receiptDir, "error", err)
		os.Exit(1)
	}

	receiptsRepo := repo.NewReceiptRepository(db.DB, logger)
	ledger := repo.NewHashHistoryRepository(db.DB, logger)
	thumbs := thumbnail.NewGenerator(thumbnail.DefaultConfig(), thumbnail.ExecRunner{Logger: logger}, logger)
	receiptSvc := receipts.NewService(receiptsRepo, ledger, blobs, thumbs, metrics.New(prometheus.NewRegistry()), logger)
	importer := ingest.NewImporter(receiptSvc, logger)

	var stats ingest.DirStats
	if *watch {
		logger.Info("watching for receipts", "dir", *dir, "user_id", *user)
		stats, err = importer.Watch(ctx, *user, ingest.WatchConfig{
			Roots:       []string{*dir},
			InitialScan: true,
			Debounce:    500 * time.Millisecond,
			SkipHidden:  *skipHidden,
		})
	} else {
		logger.Info("starting import", "dir", *dir, "user_id", *user)
		var results []ingest.FileResult
		results, stats, err = importer.ImportDirectory(ctx, *user, *dir, *skipHidden)
		for _, r := range results {
			if r.Err != "" {
				logger.Warn("import failed", "path", r.Path, "error", r.Err)
			}
		}
	}
	if err != nil {
		logger.Error("import aborted", "error", err)
		os.Exit(1)
	}

	if *out != "" {
		reports := export.NewService(receiptsRepo, ledger, repo.NewTransactionRepository(db.DB, logger), logger)
		xlsx, err := reports.AuditXLSX(context.WithoutCancel(ctx), *user)
		if err != nil {
			logger.Error("failed to build audit report", "error", err)
			os.Exit(1)
		}
		if err := os.WriteFile(filepath.Clean(*out), xlsx, 0o644); err != nil {
			logger.Error("failed to write output file", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("import complete",
		"scanned", stats.Scanned,
		"matched", stats.Matched,
		"succeeded", stats.Succeeded,
		"deduplicated", stats.Deduplicated,
		"failed", stats.Failed)

	fmt.Printf("Import complete!\n")
	fmt.Printf("- Files matched: %d\n", stats.Matched)
	fmt.Printf("- Stored: %d\n", stats.Succeeded-stats.Deduplicated)
	fmt.Printf("- Already on record: %d\n", stats.Deduplicated)
	fmt.Printf("- Failures: %d\n", stats.Failed)
	if *out != "" {
		fmt.Printf("- Report: %s\n", *out)
	}
}
