package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/receipts-ledger/constants"
	"github.com/joseph-ayodele/receipts-ledger/internal/merge"
)

const mergeRequestSchema = `{
  "type": "object",
  "required": ["source_type", "source_id"],
  "additionalProperties": false,
  "properties": {
    "source_type": {"type": "string", "enum": ["receipt", "transaction"]},
    "source_id": {"type": "integer", "minimum": 1}
  }
}`

const maxJSONBody = 64 << 10

type mergeRequest struct {
	SourceType string `json:"source_type"`
	SourceID   int64  `json:"source_id"`
}

type mergeResponse struct {
	Message        string  `json:"message"`
	TransactionID  int64   `json:"transaction_id"`
	NewReceiptHash string  `json:"new_receipt_hash"`
	NewReceiptSize int64   `json:"new_receipt_size"`
	MergeCount     int     `json:"merge_count"`
	Warning        *string `json:"warning"`
}

// bodyValidator checks raw JSON against a compiled schema.
type bodyValidator struct {
	schema *jsonschema.Schema
}

func newBodyValidator(name, schema string) (*bodyValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	s, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &bodyValidator{schema: s}, nil
}

func (v *bodyValidator) Validate(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("body is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("body does not match schema: %w", err)
	}
	return nil
}

// MergeIntoTransaction handles POST /transactions/:id/merge.
func (h *Handler) MergeIntoTransaction(c *gin.Context) {
	txID, ok := pathID(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxJSONBody))
	if err != nil {
		respondBadRequest(c, "could not read request body")
		return
	}
	if err := h.mergeValidator.Validate(body); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	var req mergeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	res, err := h.merges.Merge(c.Request.Context(), merge.Request{
		TransactionID: txID,
		UserID:        userID(c),
		SourceType:    constants.SourceType(req.SourceType),
		SourceID:      req.SourceID,
	})
	if err != nil {
		respondWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, mergeResponse{
		Message:        "Receipts merged.",
		TransactionID:  res.TransactionID,
		NewReceiptHash: res.NewDigest,
		NewReceiptSize: res.NewSize,
		MergeCount:     res.MergeCount,
		Warning:        res.Warning,
	})
}
