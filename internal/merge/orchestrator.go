// Package merge appends one receipt onto the receipt of a transaction.
//
// A merge walks validating -> merging -> committing -> done. Nothing durable is touched
// before committing; the merged file is written to a temp path and renamed over the target.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/receipts-ledger/constants"
	"github.com/joseph-ayodele/receipts-ledger/internal/blob"
	"github.com/joseph-ayodele/receipts-ledger/internal/common"
	"github.com/joseph-ayodele/receipts-ledger/internal/entity"
	"github.com/joseph-ayodele/receipts-ledger/internal/metrics"
	"github.com/joseph-ayodele/receipts-ledger/internal/repository"
	"github.com/joseph-ayodele/receipts-ledger/internal/thumbnail"
)

//go:generate mockgen -destination=../mocks/engine.go -package=mocks github.com/joseph-ayodele/receipts-ledger/internal/merge Engine

// Engine produces the merged document. *pdfmerge.Engine satisfies it.
type Engine interface {
	Merge(ctx context.Context, targetPath, sourcePath, outputPath string) (int64, string, error)
}

type State string

const (
	StateValidating State = "validating"
	StateMerging    State = "merging"
	StateCommitting State = "committing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// DefaultWarningThreshold is the merge count from which callers are warned about quality loss.
const DefaultWarningThreshold = 3

type Request struct {
	TransactionID int64
	UserID        int64
	SourceType    constants.SourceType
	SourceID      int64
}

type Result struct {
	TransactionID int64
	Receipt       *entity.Receipt
	NewDigest     string
	NewSize       int64
	MergeCount    int
	Warning       *string
}

type Orchestrator struct {
	txs       repository.TransactionRepository
	receipts  repository.ReceiptRepository
	ledger    repository.HashHistoryRepository
	blobs     *blob.Store
	engine    Engine
	thumbs    thumbnail.Generator
	metrics   *metrics.Metrics
	threshold int
	logger    *slog.Logger
}

func NewOrchestrator(txs repository.TransactionRepository, receipts repository.ReceiptRepository,
	ledger repository.HashHistoryRepository, blobs *blob.Store, engine Engine, thumbs thumbnail.Generator,
	m *metrics.Metrics, warningThreshold int, logger *slog.Logger) *Orchestrator {
	if warningThreshold <= 0 {
		warningThreshold = DefaultWarningThreshold
	}
	return &Orchestrator{
		txs:       txs,
		receipts:  receipts,
		ledger:    ledger,
		blobs:     blobs,
		engine:    engine,
		thumbs:    thumbs,
		metrics:   m,
		threshold: warningThreshold,
		logger:    logger,
	}
}

// run carries one merge through its states.
type run struct {
	req    Request
	state  State
	target *entity.Receipt
	source *entity.Receipt
	tmp    string
	size   int64
	digest string
	logger *slog.Logger
}

func (r *run) enter(s State) {
	r.state = s
	r.logger.Debug("merge state", "state", s)
}

// Merge appends the source receipt to the receipt of req.TransactionID.
func (o *Orchestrator) Merge(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	r := &run{
		req: req,
		logger: o.logger.With("transaction_id", req.TransactionID, "user_id", req.UserID,
			"source_type", req.SourceType, "source_id", req.SourceID),
	}

	res, err := o.execute(ctx, r)
	if err != nil {
		failedIn := r.state
		r.enter(StateFailed)
		o.metrics.Merge(metrics.OutcomeFailed, time.Since(start))
		if isUserError(err) {
			r.logger.Info("merge rejected", "state", failedIn, "error", err)
		} else {
			r.logger.Error("merge failed", "state", failedIn, "error", err)
		}
		return nil, err
	}
	o.metrics.Merge(metrics.OutcomeOK, time.Since(start))
	return res, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) (*Result, error) {
	r.enter(StateValidating)
	if err := o.validate(ctx, r); err != nil {
		return nil, err
	}

	r.enter(StateMerging)
	if err := o.mergeFiles(ctx, r); err != nil {
		return nil, err
	}

	r.enter(StateCommitting)
	updated, err := o.commit(ctx, r)
	if err != nil {
		return nil, err
	}

	r.enter(StateDone)
	res := &Result{
		TransactionID: r.req.TransactionID,
		Receipt:       updated,
		NewDigest:     updated.ContentHash,
		NewSize:       updated.ContentLength,
		MergeCount:    updated.MergeCount,
	}
	if updated.MergeCount >= o.threshold {
		w := fmt.Sprintf("This receipt has been merged %d times; repeated merges may degrade its image quality.", updated.MergeCount)
		res.Warning = &w
	}
	r.logger.Info("receipts merged", "target_id", updated.ID, "merged_source_id", r.source.ID,
		"merge_count", updated.MergeCount, "content_hash", updated.ContentHash, "bytes", updated.ContentLength)
	return res, nil
}

func (o *Orchestrator) validate(ctx context.Context, r *run) error {
	v := common.NewValidator()
	v.Field("transaction_id", r.req.TransactionID, common.Positive)
	v.Field("source_id", r.req.SourceID, common.Positive)
	v.Field("source_type", string(r.req.SourceType), common.Required,
		common.OneOf(string(constants.SourceReceipt), string(constants.SourceTransaction)))
	if err := v.Err(common.CodeInvalidInput); err != nil {
		return err
	}

	tx, err := o.ownedTransaction(ctx, r.req.TransactionID, r.req.UserID)
	if err != nil {
		return err
	}
	if tx.ReceiptID == nil {
		return common.InvalidStatef("transaction %d has no receipt to merge into", tx.ID)
	}

	sourceID := r.req.SourceID
	if r.req.SourceType == constants.SourceTransaction {
		if r.req.SourceID == tx.ID {
			return common.InvalidOperationf("cannot merge a transaction's receipt into itself")
		}
		srcTx, err := o.ownedTransaction(ctx, r.req.SourceID, r.req.UserID)
		if err != nil {
			return err
		}
		if srcTx.ReceiptID == nil {
			return common.InvalidStatef("transaction %d has no receipt to merge", srcTx.ID)
		}
		sourceID = *srcTx.ReceiptID
	}
	if sourceID == *tx.ReceiptID {
		return common.InvalidOperationf("cannot merge a receipt into itself")
	}

	if r.target, err = o.receipts.GetByID(ctx, *tx.ReceiptID, r.req.UserID); err != nil {
		return err
	}
	if r.source, err = o.receipts.GetByID(ctx, sourceID, r.req.UserID); err != nil {
		return err
	}
	if r.source.ContentHash == r.target.ContentHash {
		return common.InvalidOperationf("cannot merge a receipt into itself")
	}

	for _, rec := range []*entity.Receipt{r.target, r.source} {
		if !o.blobs.Exists(rec.ID) {
			o.metrics.StorageInconsistency()
			return fmt.Errorf("%w: blob for receipt %d is missing", common.ErrStorageInconsistency, rec.ID)
		}
	}
	return nil
}

func (o *Orchestrator) ownedTransaction(ctx context.Context, id, userID int64) (*entity.Transaction, error) {
	tx, err := o.txs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		return nil, common.NewAppError(common.CodeForbidden,
			fmt.Sprintf("transaction %d belongs to another user", id), common.ErrForbidden)
	}
	return tx, nil
}

func (o *Orchestrator) mergeFiles(ctx context.Context, r *run) error {
	r.tmp = o.blobs.TempPath("merge")
	size, sum, err := o.engine.Merge(ctx, o.blobs.Path(r.target.ID), o.blobs.Path(r.source.ID), r.tmp)
	if err != nil {
		o.blobs.Discard(r.tmp)
		if errors.Is(err, common.ErrMergeFailed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return common.NewAppError(common.CodeMergeFailed, "merge receipts", fmt.Errorf("%w: %w", common.ErrMergeFailed, err))
	}

	// the merged bytes become a new ledger entry; an existing one would be rejected at commit
	if _, err := o.ledger.Lookup(ctx, sum); err == nil {
		o.blobs.Discard(r.tmp)
		return common.NewAppError(common.CodeMergeFailed,
			"the merged document is already on record", common.ErrMergeFailed)
	} else if !errors.Is(err, common.ErrNotFound) {
		o.blobs.Discard(r.tmp)
		return err
	}
	r.size, r.digest = size, sum
	return nil
}

func (o *Orchestrator) commit(ctx context.Context, r *run) (*entity.Receipt, error) {
	// past the swap the remaining steps must not be abandoned halfway
	ctx = context.WithoutCancel(ctx)

	if err := o.blobs.Swap(r.tmp, r.target.ID); err != nil {
		o.blobs.Discard(r.tmp)
		return nil, err
	}

	updated, err := o.receipts.UpdateAfterMerge(ctx, r.target.ID, r.req.UserID, r.digest, r.size)
	if err != nil {
		o.metrics.StorageInconsistency()
		r.logger.Error("merged blob is in place but the receipt record was not updated",
			"target_id", r.target.ID, "content_hash", r.digest, "error", err)
		return nil, fmt.Errorf("%w: receipt %d: %w", common.ErrStorageInconsistency, r.target.ID, err)
	}

	if err := o.receipts.ConsumeMergeSource(ctx, r.source.ID, r.req.UserID); err != nil {
		o.metrics.StorageInconsistency()
		r.logger.Error("target updated but merge source was not retired",
			"target_id", r.target.ID, "merged_source_id", r.source.ID, "error", err)
		return nil, fmt.Errorf("%w: merge source %d: %w", common.ErrStorageInconsistency, r.source.ID, err)
	}
	if err := o.blobs.Remove(r.source.ID); err != nil {
		r.logger.Warn("merge source files left orphaned", "merged_source_id", r.source.ID, "error", err)
	}

	if _, err := o.thumbs.Generate(ctx, constants.ContentTypePDF, o.blobs.Path(r.target.ID)); err != nil {
		r.logger.Warn("failed to refresh thumbnail after merge", "target_id", r.target.ID, "error", err)
	}
	return updated, nil
}

// isUserError reports whether err was caused by the request rather than the system.
// Fatal conditions win even when they wrap a user-facing cause.
func isUserError(err error) bool {
	if errors.Is(err, common.ErrStorageInconsistency) || errors.Is(err, common.ErrMergeFailed) {
		return false
	}
	for _, target := range []error{
		common.ErrNotFound, common.ErrForbidden, common.ErrInvalidInput,
		common.ErrInvalidOperation, common.ErrInvalidState,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
