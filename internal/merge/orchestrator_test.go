package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/receipts-ledger/constants"
	"github.com/joseph-ayodele/receipts-ledger/internal/blob"
	"github.com/joseph-ayodele/receipts-ledger/internal/common"
	"github.com/joseph-ayodele/receipts-ledger/internal/digest"
	"github.com/joseph-ayodele/receipts-ledger/internal/entity"
	"github.com/joseph-ayodele/receipts-ledger/internal/mocks"
	"github.com/joseph-ayodele/receipts-ledger/internal/pdfmerge"
	"github.com/joseph-ayodele/receipts-ledger/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeThumbs struct {
	calls []string
}

func (f *fakeThumbs) Generate(_ context.Context, contentType, sourcePath string) (string, error) {
	f.calls = append(f.calls, contentType)
	dst := blob.ThumbnailPath(sourcePath)
	return dst, os.WriteFile(dst, []byte("thumb"), 0o644)
}

type fixture struct {
	receipts repository.ReceiptRepository
	ledger   repository.HashHistoryRepository
	txs      repository.TransactionRepository
	blobs    *blob.Store
	thumbs   *fakeThumbs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d, err := repository.OpenSQLite("", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close(testLogger()) })
	require.NoError(t, repository.Migrate(d, testLogger()))

	blobs, err := blob.NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	return &fixture{
		receipts: repository.NewReceiptRepository(d.DB, testLogger()),
		ledger:   repository.NewHashHistoryRepository(d.DB, testLogger()),
		txs:      repository.NewTransactionRepository(d.DB, testLogger()),
		blobs:    blobs,
		thumbs:   &fakeThumbs{},
	}
}

func (f *fixture) orchestrator(engine Engine) *Orchestrator {
	return NewOrchestrator(f.txs, f.receipts, f.ledger, f.blobs, engine, f.thumbs, nil, DefaultWarningThreshold, testLogger())
}

// store saves data as a receipt with its blob.
func (f *fixture) store(t *testing.T, userID int64, contentType string, data []byte) *entity.Receipt {
	t.Helper()
	size, sum, err := digest.Sum(bytes.NewReader(data))
	require.NoError(t, err)
	rec, err := f.receipts.Create(context.Background(), repository.CreateReceiptRequest{
		UserID: userID, ContentType: contentType, ContentLength: size, ContentHash: sum,
	})
	require.NoError(t, err)
	_, err = f.blobs.Write(rec.ID, bytes.NewReader(data))
	require.NoError(t, err)
	return rec
}

func (f *fixture) transaction(t *testing.T, userID int64, receiptID *int64) *entity.Transaction {
	t.Helper()
	tx, err := f.txs.Create(context.Background(), &entity.Transaction{UserID: userID, Vendor: "Corner Store", ReceiptID: receiptID})
	require.NoError(t, err)
	return tx
}

func (f *fixture) tempFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.blobs.Dir())
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			out = append(out, e.Name())
		}
	}
	return out
}

// writeOutput makes a mock engine write body to the output path.
func writeOutput(body string) func(context.Context, string, string, string) (int64, string, error) {
	return func(_ context.Context, _, _, out string) (int64, string, error) {
		if err := os.WriteFile(out, []byte(body), 0o644); err != nil {
			return 0, "", err
		}
		return digest.SumFile(out)
	}
}

func TestMergeValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	o := f.orchestrator(mocks.NewMockEngine(ctrl))

	target := f.store(t, 1, constants.ContentTypePDF, []byte("%PDF target"))
	source := f.store(t, 1, constants.ContentTypePDF, []byte("%PDF source"))
	foreign := f.store(t, 2, constants.ContentTypePDF, []byte("%PDF foreign"))
	noBlob := f.store(t, 1, constants.ContentTypePDF, []byte("%PDF lost"))
	require.NoError(t, os.Remove(f.blobs.Path(noBlob.ID)))

	txTarget := f.transaction(t, 1, &target.ID)
	txEmpty := f.transaction(t, 1, nil)
	txForeign := f.transaction(t, 2, &foreign.ID)

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{name: "unknown transaction", req: Request{TransactionID: 999, UserID: 1, SourceType: constants.SourceReceipt, SourceID: source.ID}, wantErr: common.ErrNotFound},
		{name: "transaction of another user", req: Request{TransactionID: txForeign.ID, UserID: 1, SourceType: constants.SourceReceipt, SourceID: source.ID}, wantErr: common.ErrForbidden},
		{name: "transaction without receipt", req: Request{TransactionID: txEmpty.ID, UserID: 1, SourceType: constants.SourceReceipt, SourceID: source.ID}, wantErr: common.ErrInvalidState},
		{name: "receipt into itself", req: Request{TransactionID: txTarget.ID, UserID: 1, SourceType: constants.SourceReceipt, SourceID: target.ID}, wantErr: common.ErrInvalidOperation},
		{name: "transaction into itself", req: Request{TransactionID: txTarget.ID, UserID: 1, SourceType: constants.SourceTransaction, SourceID: txTarget.ID}, wantErr: common.ErrInvalidOperation},
		{name: "source transaction without receipt", req: Request{TransactionID: txTarget.ID, UserID: 1, SourceType: constants.SourceTransaction, SourceID: txEmpty.ID}, wantErr: common.ErrInvalidState},
		{name: "source transaction of another user", req: Request{TransactionID: txTarget.ID, UserID: 1, SourceType: constants.SourceTransaction, SourceID: txForeign.ID}, wantErr: common.ErrForbidden},
		{name: "source receipt of another user", req: Request{TransactionID: txTarget.ID, UserID: 1, SourceType: constants.SourceReceipt, SourceID: foreign.ID}, wantErr: common.ErrNotFound},
		{name: "unknown source type", req: Request{TransactionID: txTarget.ID, UserID: 1, SourceType: "invoice", SourceID: source.ID}, wantErr: common.ErrInvalidInput},
		{name: "missing source id", req: Request{TransactionID: txTarget.ID, UserID: 1, SourceType: constants.SourceReceipt}, wantErr: common.ErrInvalidInput},
		{name: "source blob missing", req: Request{TransactionID: txTarget.ID, UserID: 1, SourceType: constants.SourceReceipt, SourceID: noBlob.ID}, wantErr: common.ErrStorageInconsistency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Merge(ctx, tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// nothing changed
	got, err := f.receipts.GetByID(ctx, target.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, target.ContentHash, got.ContentHash)
	assert.Zero(t, got.MergeCount)
}

func TestMergeCommits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	o := f.orchestrator(engine)

	target := f.store(t, 1, constants.ContentTypeJPEG, []byte("\xff\xd8 target"))
	source := f.store(t, 1, constants.ContentTypePNG, []byte("\x89PNG source"))
	tx := f.transaction(t, 1, &target.ID)

	engine.EXPECT().
		Merge(gomock.Any(), f.blobs.Path(target.ID), f.blobs.Path(source.ID), gomock.Any()).
		DoAndReturn(writeOutput("%PDF merged once"))

	res, err := o.Merge(ctx, Request{TransactionID: tx.ID, UserID: 1, SourceType: constants.SourceReceipt, SourceID: source.ID})
	require.NoError(t, err)

	wantSize, wantSum, err := digest.Sum(strings.NewReader("%PDF merged once"))
	require.NoError(t, err)
	assert.Equal(t, tx.ID, res.TransactionID)
	assert.Equal(t, wantSum, res.NewDigest)
	assert.Equal(t, wantSize, res.NewSize)
	assert.Equal(t, 1, res.MergeCount)
	assert.Nil(t, res.Warning)
	assert.Equal(t, constants.ContentTypePDF, res.Receipt.ContentType)

	stored, err := os.ReadFile(f.blobs.Path(target.ID))
	require.NoError(t, err)
	assert.Equal(t, "%PDF merged once", string(stored))
	assert.False(t, f.blobs.Exists(source.ID))
	assert.Empty(t, f.tempFiles(t))
	assert.Equal(t, []string{constants.ContentTypePDF}, f.thumbs.calls)

	_, err = f.receipts.GetByID(ctx, source.ID, 1)
	assert.ErrorIs(t, err, common.ErrNotFound)

	for _, h := range []string{target.ContentHash, source.ContentHash} {
		entry, err := f.ledger.Lookup(ctx, h)
		require.NoError(t, err)
		require.NotNil(t, entry.RetirementReason)
		assert.Equal(t, constants.ReasonMerged, *entry.RetirementReason)
	}
	entry, err := f.ledger.Lookup(ctx, wantSum)
	require.NoError(t, err)
	assert.False(t, entry.Retired())
	require.NotNil(t, entry.OriginalReceiptID)
	assert.Equal(t, target.ID, *entry.OriginalReceiptID)
}

func TestMergeWarning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	o := f.orchestrator(engine)

	target := f.store(t, 1, constants.ContentTypePDF, []byte("%PDF base"))
	tx := f.transaction(t, 1, &target.ID)

	for i := 1; i <= 4; i++ {
		source := f.store(t, 1, constants.ContentTypePDF, []byte(fmt.Sprintf("%%PDF page %d", i)))
		engine.EXPECT().Merge(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(writeOutput(fmt.Sprintf("%%PDF merged %d", i)))

		res, err := o.Merge(ctx, Request{TransactionID: tx.ID, UserID: 1, SourceType: constants.SourceReceipt, SourceID: source.ID})
		require.NoError(t, err)
		assert.Equal(t, i, res.MergeCount)
		if i < DefaultWarningThreshold {
			assert.Nil(t, res.Warning, "merge %d", i)
		} else {
			require.NotNil(t, res.Warning, "merge %d", i)
			assert.Contains(t, *res.Warning, "quality")
		}
	}
}

func TestMergeEngineFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	o := f.orchestrator(engine)

	target := f.store(t, 1, constants.ContentTypePDF, []byte("%PDF a"))
	source := f.store(t, 1, constants.ContentTypePDF, []byte("%PDF b"))
	tx := f.transaction(t, 1, &target.ID)

	tests := []struct {
		name string
		fn   func(context.Context, string, string, string) (int64, string, error)
	}{
		{name: "engine error", fn: func(_ context.Context, _, _, out string) (int64, string, error) {
			_ = os.WriteFile(out, []byte("partial"), 0o644)
			return 0, "", errors.New("boom")
		}},
		{name: "merged bytes already on record", fn: writeOutput("%PDF b")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine.EXPECT().Merge(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(tt.fn)

			_, err := o.Merge(ctx, Request{TransactionID: tx.ID, UserID: 1, SourceType: constants.SourceReceipt, SourceID: source.ID})
			require.Error(t, err)
			assert.ErrorIs(t, err, common.ErrMergeFailed)
			assert.Empty(t, f.tempFiles(t), "temp output removed")

			got, err := f.receipts.GetByID(ctx, target.ID, 1)
			require.NoError(t, err)
			assert.Equal(t, target.ContentHash, got.ContentHash)
			assert.True(t, f.blobs.Exists(source.ID))
		})
	}
}

// vanishingSource removes the source row right before it is consumed, as a concurrent delete would.
type vanishingSource struct {
	repository.ReceiptRepository
}

func (v vanishingSource) ConsumeMergeSource(ctx context.Context, id, userID int64) error {
	if _, err := v.ReceiptRepository.Delete(ctx, id, userID); err != nil {
		return err
	}
	return v.ReceiptRepository.ConsumeMergeSource(ctx, id, userID)
}

func TestMergeSourceLostDuringCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	o := NewOrchestrator(f.txs, vanishingSource{f.receipts}, f.ledger, f.blobs, engine, f.thumbs, nil,
		DefaultWarningThreshold, testLogger())

	target := f.store(t, 1, constants.ContentTypePDF, []byte("%PDF target"))
	source := f.store(t, 1, constants.ContentTypePDF, []byte("%PDF source"))
	tx := f.transaction(t, 1, &target.ID)

	engine.EXPECT().Merge(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(writeOutput("%PDF merged"))

	_, err := o.Merge(ctx, Request{TransactionID: tx.ID, UserID: 1, SourceType: constants.SourceReceipt, SourceID: source.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrStorageInconsistency)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.False(t, isUserError(err))

	got, err := f.receipts.GetByID(ctx, target.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.MergeCount)
}

func TestIsUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "not found", err: common.ErrNotFound, want: true},
		{name: "invalid input", err: common.NewAppError(common.CodeInvalidInput, "bad", common.ErrInvalidInput), want: true},
		{name: "storage wrapping not found", err: fmt.Errorf("%w: source: %w", common.ErrStorageInconsistency, common.ErrNotFound)},
		{name: "merge failed", err: common.NewAppError(common.CodeMergeFailed, "merge", common.ErrMergeFailed)},
		{name: "other", err: errors.New("disk on fire")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isUserError(tt.err))
		})
	}
}

func TestMergeFromTransactionKeepsSourceTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	o := f.orchestrator(engine)

	target := f.store(t, 1, constants.ContentTypePDF, []byte("%PDF t"))
	source := f.store(t, 1, constants.ContentTypePDF, []byte("%PDF s"))
	txTarget := f.transaction(t, 1, &target.ID)
	txSource := f.transaction(t, 1, &source.ID)

	engine.EXPECT().Merge(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(writeOutput("%PDF ts"))

	_, err := o.Merge(ctx, Request{TransactionID: txTarget.ID, UserID: 1, SourceType: constants.SourceTransaction, SourceID: txSource.ID})
	require.NoError(t, err)

	survivor, err := f.txs.Get(ctx, txSource.ID)
	require.NoError(t, err)
	assert.Nil(t, survivor.ReceiptID)
}

func jpegPage(t *testing.T, tint uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 300, 400))
	for y := 0; y < 400; y++ {
		for x := 0; x < 300; x++ {
			img.Set(x, y, color.RGBA{R: tint, G: uint8(x % 256), B: uint8(y % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

// pdfOf builds a PDF with one page per JPEG.
func pdfOf(t *testing.T, pages ...[]byte) []byte {
	t.Helper()
	var readers []io.Reader
	for _, p := range pages {
		readers = append(readers, bytes.NewReader(p))
	}
	var out bytes.Buffer
	require.NoError(t, api.ImportImages(nil, &out, readers, pdfcpu.DefaultImportConfig(), model.NewDefaultConfiguration()))
	return out.Bytes()
}

// Two transactions, a two page PDF merged with a one page PDF through the real engine.
func TestMergeTransactionsEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	engine := pdfmerge.NewEngine(pdfmerge.DefaultConfig(), testLogger())
	o := f.orchestrator(engine)

	page1, page2, page3 := jpegPage(t, 10), jpegPage(t, 120), jpegPage(t, 240)
	receipt1 := f.store(t, 1, constants.ContentTypePDF, pdfOf(t, page1, page2))
	receipt2 := f.store(t, 1, constants.ContentTypePDF, pdfOf(t, page3))
	tx100 := f.transaction(t, 1, &receipt1.ID)
	tx200 := f.transaction(t, 1, &receipt2.ID)

	res, err := o.Merge(ctx, Request{TransactionID: tx100.ID, UserID: 1, SourceType: constants.SourceTransaction, SourceID: tx200.ID})
	require.NoError(t, err)
	assert.NotEqual(t, receipt1.ContentHash, res.NewDigest)
	assert.Equal(t, 1, res.MergeCount)
	assert.Nil(t, res.Warning)

	meta, err := engine.Metadata(f.blobs.Path(receipt1.ID))
	require.NoError(t, err)
	assert.Equal(t, 3, meta.PageCount)

	merged, err := os.ReadFile(f.blobs.Path(receipt1.ID))
	require.NoError(t, err)
	assert.True(t, bytes.Contains(merged, page1))
	assert.True(t, bytes.Contains(merged, page2))

	size, sum, err := digest.SumFile(f.blobs.Path(receipt1.ID))
	require.NoError(t, err)
	assert.Equal(t, sum, res.NewDigest)
	assert.Equal(t, size, res.NewSize)

	_, err = f.receipts.GetByID(ctx, receipt2.ID, 1)
	assert.ErrorIs(t, err, common.ErrNotFound)
	for _, h := range []string{receipt1.ContentHash, receipt2.ContentHash} {
		entry, err := f.ledger.Lookup(ctx, h)
		require.NoError(t, err)
		require.NotNil(t, entry.RetirementReason)
		assert.Equal(t, constants.ReasonMerged, *entry.RetirementReason)
	}

	// the merged-away bytes stay rejected
	_, err = f.receipts.Create(ctx, repository.CreateReceiptRequest{
		UserID: 1, ContentType: constants.ContentTypePDF, ContentLength: receipt2.ContentLength, ContentHash: receipt2.ContentHash,
	})
	assert.ErrorIs(t, err, common.ErrDuplicateReceipt)
}
