package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// AuditReport handles GET /reports/audit.xlsx.
func (h *Handler) AuditReport(c *gin.Context) {
	uid := userID(c)
	xlsx, err := h.reports.AuditXLSX(c.Request.Context(), uid)
	if err != nil {
		h.logger.Error("export.xlsx.failed", "user_id", uid, "err", err)
		respondWithError(c, h.logger, err)
		return
	}
	name := fmt.Sprintf("receipts-audit-%s.xlsx", time.Now().UTC().Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, xlsxContentType, xlsx)
}
