package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/receipts-ledger/internal/common"
)

const resourceReceipt = "receipt"

// errorResponse is the body of every failed request.
type errorResponse struct {
	Code     string `json:"code"`
	Resource string `json:"resource,omitempty"`
	Message  string `json:"message"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

// evaluated in order, first match wins
var errorMappings = []errorMapping{
	{common.ErrDuplicateReceipt, http.StatusConflict, common.CodeDuplicateReceipt},
	{common.ErrNotFound, http.StatusNotFound, common.CodeNotFound},
	{common.ErrUnauthorized, http.StatusUnauthorized, common.CodeUnauthorized},
	{common.ErrForbidden, http.StatusForbidden, common.CodeForbidden},
	{common.ErrUnsupportedContentType, http.StatusBadRequest, common.CodeUnsupportedContent},
	{common.ErrInvalidOperation, http.StatusBadRequest, common.CodeInvalidOperation},
	{common.ErrInvalidState, http.StatusBadRequest, common.CodeInvalidState},
	{common.ErrInvalidInput, http.StatusBadRequest, common.CodeInvalidInput},
}

// respondWithError maps err onto a status and a stable code. Fatal conditions are
// checked first since they may wrap a user-facing cause; anything unmapped is a 500
// whose detail stays in the log.
func respondWithError(c *gin.Context, logger *slog.Logger, err error) {
	if code, fatal := fatalCode(err); fatal {
		respondInternal(c, logger, code, err)
		return
	}
	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		resp := errorResponse{Code: m.code, Message: clientMessage(err)}
		if m.status == http.StatusConflict {
			resp.Resource = resourceReceipt
		}
		c.JSON(m.status, resp)
		return
	}
	respondInternal(c, logger, common.CodeInternal, err)
}

func fatalCode(err error) (string, bool) {
	switch {
	case errors.Is(err, common.ErrStorageInconsistency):
		return common.CodeStorage, true
	case errors.Is(err, common.ErrMergeFailed):
		return common.CodeMergeFailed, true
	}
	return "", false
}

func respondInternal(c *gin.Context, logger *slog.Logger, code string, err error) {
	logger.Error("request failed", "method", c.Request.Method, "path", c.Request.URL.Path,
		"request_id", common.RequestIDFromContext(c.Request.Context()), "code", code, "error", err)
	c.JSON(http.StatusInternalServerError, errorResponse{Code: code, Message: "Internal server error"})
}

func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorResponse{Code: common.CodeInvalidInput, Message: message})
}

func clientMessage(err error) string {
	var appErr *common.AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return err.Error()
}
