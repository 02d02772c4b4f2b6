package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/receipts-ledger/internal/export"
	"github.com/joseph-ayodele/receipts-ledger/internal/merge"
	"github.com/joseph-ayodele/receipts-ledger/internal/receipts"
)

const formFileField = "file"

// Handler holds the HTTP handlers.
type Handler struct {
	receipts       *receipts.Service
	merges         *merge.Orchestrator
	reports        *export.Service
	mergeValidator *bodyValidator
	maxUploadBytes int64
	logger         *slog.Logger
}

func NewHandler(receiptSvc *receipts.Service, merges *merge.Orchestrator, reports *export.Service,
	maxUploadBytes int64, logger *slog.Logger) (*Handler, error) {
	v, err := newBodyValidator("merge_request.json", mergeRequestSchema)
	if err != nil {
		return nil, err
	}
	return &Handler{
		receipts:       receiptSvc,
		merges:         merges,
		reports:        reports,
		mergeValidator: v,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}, nil
}

// UploadReceipt handles POST /receipts with a multipart "file" part.
func (h *Handler) UploadReceipt(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}
	fh, err := c.FormFile(formFileField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Code: "TOO_LARGE", Message: "upload exceeds the size limit"})
			return
		}
		respondBadRequest(c, "multipart field \"file\" is required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	defer f.Close()

	rec, err := h.receipts.Upload(c.Request.Context(), userID(c), fh.Header.Get("Content-Type"), f)
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ListReceipts handles GET /receipts/paginated?offset&limit.
func (h *Handler) ListReceipts(c *gin.Context) {
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		respondBadRequest(c, "offset must be an integer")
		return
	}
	limit, err := queryInt(c, "limit", receipts.DefaultPageSize)
	if err != nil {
		respondBadRequest(c, "limit must be an integer")
		return
	}
	page, err := h.receipts.List(c.Request.Context(), offset, limit)
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) GetReceipt(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rec, err := h.receipts.Get(c.Request.Context(), id, userID(c))
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetReceiptBlob streams the stored document with the content type recorded on its row.
func (h *Handler) GetReceiptBlob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rec, f, err := h.receipts.OpenBlob(c.Request.Context(), id, userID(c))
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	defer f.Close()
	c.DataFromReader(http.StatusOK, rec.ContentLength, rec.ContentType, f, nil)
}

func (h *Handler) GetReceiptThumbnail(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	f, err := h.receipts.OpenThumbnail(c.Request.Context(), id, userID(c))
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	defer f.Close()
	size := int64(-1)
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	c.DataFromReader(http.StatusOK, size, "image/jpeg", f, nil)
}

func (h *Handler) GetReceiptHistory(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	entries, err := h.receipts.History(c.Request.Context(), id, userID(c))
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt_id": id, "entries": entries})
}

// RotateReceipt handles POST /receipts/:id/rotate; the delta is fixed.
func (h *Handler) RotateReceipt(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rec, err := h.receipts.Rotate(c.Request.Context(), id, userID(c))
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) DeleteReceipt(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.receipts.Delete(c.Request.Context(), id, userID(c)); err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Receipt deleted.", "receipt_id": id})
}

// pathID parses :id, writing a 400 when it is not a positive integer.
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondBadRequest(c, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
