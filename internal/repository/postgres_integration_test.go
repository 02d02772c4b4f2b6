//go:build integration

package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/joseph-ayodele/receipts-ledger/constants"
	"github.com/joseph-ayodele/receipts-ledger/internal/common"
)

var pgDB *DB

// TestMain starts Postgres (or uses TEST_DB_DSN) and applies the migrations once.
func TestMain(m *testing.M) {
	ctx := context.Background()

	dsn := os.Getenv("TEST_DB_DSN")
	var container *postgres.PostgresContainer
	if dsn == "" {
		var err error
		container, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("receipts_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			fmt.Printf("Failed to start PostgreSQL container: %v\n", err)
			os.Exit(1)
		}
		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			fmt.Printf("Failed to get connection string: %v\n", err)
			_ = container.Terminate(ctx)
			os.Exit(1)
		}
	}

	var err error
	pgDB, err = Open(ctx, Config{Driver: "postgres", DSN: dsn, MaxConns: 8, DialTimeout: 10 * time.Second}, testLogger())
	if err == nil {
		err = Migrate(pgDB, testLogger())
	}
	if err != nil {
		fmt.Printf("Failed to prepare database: %v\n", err)
		if container != nil {
			_ = container.Terminate(ctx)
		}
		os.Exit(1)
	}

	code := m.Run()

	pgDB.Close(testLogger())
	if container != nil {
		if err := container.Terminate(ctx); err != nil {
			fmt.Printf("Failed to terminate PostgreSQL container: %v\n", err)
		}
	}
	os.Exit(code)
}

func TestPostgresConcurrentDuplicateUploads(t *testing.T) {
	ctx := context.Background()
	receipts := NewReceiptRepository(pgDB.DB, testLogger())
	hash := fmt.Sprintf("pg-dup-%d", time.Now().UnixNano())

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		dups int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := receipts.Create(ctx, CreateReceiptRequest{UserID: 1, ContentType: constants.ContentTypePDF, ContentLength: 1, ContentHash: hash})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, common.ErrDuplicateReceipt) {
				dups++
			} else {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, dups)
}

func TestPostgresConcurrentRotate(t *testing.T) {
	ctx := context.Background()
	receipts := NewReceiptRepository(pgDB.DB, testLogger())
	rec, err := receipts.Create(ctx, CreateReceiptRequest{
		UserID: 1, ContentType: constants.ContentTypeJPEG, ContentLength: 1,
		ContentHash: fmt.Sprintf("pg-rot-%d", time.Now().UnixNano()),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 7; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := receipts.Rotate(ctx, rec.ID, 90)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := receipts.GetByID(ctx, rec.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 270, got.Rotation)
}

func TestPostgresDeleteAndMerge(t *testing.T) {
	ctx := context.Background()
	receipts := NewReceiptRepository(pgDB.DB, testLogger())
	ledger := NewHashHistoryRepository(pgDB.DB, testLogger())
	suffix := time.Now().UnixNano()

	target, err := receipts.Create(ctx, CreateReceiptRequest{UserID: 1, ContentType: constants.ContentTypePDF, ContentLength: 1, ContentHash: fmt.Sprintf("pg-a-%d", suffix)})
	require.NoError(t, err)
	source, err := receipts.Create(ctx, CreateReceiptRequest{UserID: 1, ContentType: constants.ContentTypePDF, ContentLength: 1, ContentHash: fmt.Sprintf("pg-b-%d", suffix)})
	require.NoError(t, err)

	updated, err := receipts.UpdateAfterMerge(ctx, target.ID, 1, fmt.Sprintf("pg-c-%d", suffix), 99)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.MergeCount)
	require.NoError(t, receipts.ConsumeMergeSource(ctx, source.ID, 1))

	entry, err := ledger.Lookup(ctx, source.ContentHash)
	require.NoError(t, err)
	assert.True(t, entry.Retired())
	assert.Nil(t, entry.OriginalReceiptID)

	_, err = receipts.Delete(ctx, target.ID, 1)
	require.NoError(t, err)
	_, err = receipts.Create(ctx, CreateReceiptRequest{UserID: 1, ContentType: constants.ContentTypePDF, ContentLength: 1, ContentHash: updated.ContentHash})
	assert.ErrorIs(t, err, common.ErrDuplicateReceipt)
}
