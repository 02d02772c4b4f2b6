package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/receipts-ledger/internal/common"
	"github.com/joseph-ayodele/receipts-ledger/internal/entity"
)

// fakeUploader dedups by body and fails bodies starting with "fail".
type fakeUploader struct {
	mu    sync.Mutex
	seen  map[string]bool
	types []string
	next  int64
}

func (u *fakeUploader) Upload(_ context.Context, userID int64, declaredType string, r io.ReadSeeker) (*entity.Receipt, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.types = append(u.types, declaredType)
	if len(body) >= 4 && string(body[:4]) == "fail" {
		return nil, errors.New("storage down")
	}
	if u.seen == nil {
		u.seen = map[string]bool{}
	}
	if u.seen[string(body)] {
		return nil, common.NewAppError(common.CodeDuplicateReceipt, "dup", common.ErrDuplicateReceipt)
	}
	u.seen[string(body)] = true
	u.next++
	return &entity.Receipt{ID: u.next, UserID: userID, ContentType: declaredType, ContentHash: string(body)}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestImportDirectory(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "a.pdf"), "%PDF-1.4 one")
	write(t, filepath.Join(root, "nested", "b.PDF"), "%PDF-1.4 one") // same bytes
	write(t, filepath.Join(root, "nested", "c.pdf"), "%PDF-1.4 two")
	write(t, filepath.Join(root, "d.jpg"), "fail on purpose")
	write(t, filepath.Join(root, "notes.txt"), "not a receipt")
	write(t, filepath.Join(root, ".hidden", "e.pdf"), "%PDF-1.4 hidden")

	up := &fakeUploader{}
	imp := NewImporter(up, testLogger())
	results, stats, err := imp.ImportDirectory(context.Background(), 3, root, true)
	require.NoError(t, err)

	assert.Equal(t, DirStats{Scanned: 5, Matched: 4, Succeeded: 3, Deduplicated: 1, Failed: 1}, stats)
	assert.Len(t, results, 4)
	for _, r := range results {
		if filepath.Base(r.Path) == "d.jpg" {
			assert.Contains(t, r.Err, "storage down")
		}
	}
	assert.Contains(t, up.types, "application/pdf")
}

func TestImportDirectoryIncludesHidden(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, ".hidden", "e.pdf"), "%PDF-1.4 hidden")

	_, stats, err := NewImporter(&fakeUploader{}, testLogger()).ImportDirectory(context.Background(), 1, root, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stats.Succeeded)
}

func TestIsHidden(t *testing.T) {
	tests := map[string]bool{
		"/data/.hidden":        true,
		"/data/.hidden/a.pdf":  false,
		".env":                 true,
		"receipt.pdf":          false,
		".":                    false,
		"..":                   false,
		"/data/dir.with.dots/": false,
	}
	for path, want := range tests {
		assert.Equal(t, want, isHidden(path), path)
	}
}

func TestImportPath(t *testing.T) {
	dir := t.TempDir()
	imp := NewImporter(&fakeUploader{}, testLogger())

	tests := []struct {
		name      string
		file      string
		body      string
		wantDedup bool
		wantErr   bool
	}{
		{name: "new", file: "r1.pdf", body: "%PDF-1.4 x"},
		{name: "duplicate", file: "r2.pdf", body: "%PDF-1.4 x", wantDedup: true},
		{name: "unsupported extension", file: "r3.docx", body: "x", wantErr: true},
		{name: "no extension", file: "r4", body: "x", wantErr: true},
		{name: "svg has no decoder", file: "r5.svg", body: "<svg/>", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			write(t, path, tt.body)
			res, err := imp.ImportPath(context.Background(), 1, path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDedup, res.Deduplicated)
			if !tt.wantDedup {
				assert.NotZero(t, res.ReceiptID)
			}
		})
	}
}

func TestImportDirectoryRequiresRoot(t *testing.T) {
	_, _, err := NewImporter(&fakeUploader{}, testLogger()).ImportDirectory(context.Background(), 1, " ", true)
	assert.Error(t, err)
}

func TestWatcher(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "old.pdf")
	write(t, existing, "%PDF-1.4 old")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _, err := StartWatcher(ctx, WatchConfig{Roots: []string{root}, InitialScan: true}, testLogger())
	require.NoError(t, err)

	next := func() string {
		select {
		case p := <-events:
			return p
		case <-time.After(5 * time.Second):
			t.Fatal("no watcher event")
			return ""
		}
	}
	assert.Equal(t, existing, next())

	fresh := filepath.Join(root, "new.png")
	write(t, fresh, "\x89PNG fresh")
	write(t, filepath.Join(root, "ignored.txt"), "nope")
	assert.Equal(t, fresh, next())

	cancel()
	for range events {
	}
}
