// Package handler exposes a register over HTTP.
package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/openregister/internal/canonical"
	"github.com/jmerrifield20/openregister/internal/merkle"
	"github.com/jmerrifield20/openregister/internal/register/model"
	"github.com/jmerrifield20/openregister/internal/register/repository"
	"github.com/jmerrifield20/openregister/internal/register/service"
	"github.com/jmerrifield20/openregister/internal/signing"
	"github.com/jmerrifield20/openregister/internal/validation"
)

// ProofIdentifier names the only proof scheme the register serves.
const ProofIdentifier = "merkle:sha-256"

// RegisterHandler handles HTTP requests for one register.
type RegisterHandler struct {
	svc       *service.RegisterService
	validator *validation.Validator
	verifier  *signing.Verifier // nil = signatures are not checked
	name      string
	logger    *zap.Logger
}

// NewRegisterHandler creates a RegisterHandler. verifier may be nil to accept
// items without checking their signature.
func NewRegisterHandler(svc *service.RegisterService, verifier *signing.Verifier, name string, logger *zap.Logger) *RegisterHandler {
	return &RegisterHandler{
		svc:       svc,
		validator: validation.New(svc.KeyField(), logger),
		verifier:  verifier,
		name:      name,
		logger:    logger,
	}
}

// Register mounts the register routes on the given router group.
func (h *RegisterHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/register", h.GetRegister)

	rg.GET("/entries", h.ListEntries)
	rg.POST("/entries/republish", h.RepublishEntries)
	rg.GET("/entry/:number", h.GetEntry)

	rg.GET("/items", h.ListItems)
	rg.GET("/item/:hash", h.GetItem)
	rg.GET("/item/:hash/entries", h.GetItemEntries)

	rg.POST("/record", h.AddRecord)
	rg.GET("/record/:key", h.GetRecord)
	rg.GET("/record/:key/entries", h.GetRecordEntries)

	rg.GET("/records", h.ListRecords)
	rg.POST("/records", h.AddRecords)
	rg.GET("/records/:field/:value", h.ListRecordsByField)

	rg.GET("/proofs", h.ListProofs)
	rg.GET("/proof/register/:id", h.GetRegisterProof)
	rg.GET("/proof/entry/:number/:total/:id", h.GetEntryProof)
	rg.GET("/proof/consistency/:a/:b/:id", h.GetConsistencyProof)
}

// GetRegister handles GET /register: returns the register summary.
func (h *RegisterHandler) GetRegister(c *gin.Context) {
	sum, err := h.svc.Summary(c.Request.Context())
	if err != nil {
		h.fail(c, "read register summary", err)
		return
	}

	var lastUpdated any
	if !sum.LastUpdated.IsZero() {
		lastUpdated = model.FormatTimestamp(sum.LastUpdated)
	}
	var record any
	if sum.Record != nil {
		record = sum.Record
	}
	h.writeJSON(c, http.StatusOK, canonical.Object{
		"domain":          h.name,
		"last-updated":    lastUpdated,
		"register-record": record,
		"total-entries":   sum.TotalEntries,
		"total-items":     sum.TotalItems,
		"total-records":   sum.TotalRecords,
	})
}

// ListItems handles GET /items. Listing every item is not supported.
func (h *RegisterHandler) ListItems(c *gin.Context) {
	h.logger.Warn("get items is not implemented")
	c.JSON(http.StatusNotImplemented, gin.H{"error": "Not implemented"})
}

// GetItem handles GET /item/:hash.
func (h *RegisterHandler) GetItem(c *gin.Context) {
	hash := c.Param("hash")
	item, err := h.svc.Item(c.Request.Context(), hash)
	if err != nil {
		h.fail(c, "read item", err)
		return
	}
	h.writeJSON(c, http.StatusOK, map[string]any(item))
}

// GetItemEntries handles GET /item/:hash/entries.
func (h *RegisterHandler) GetItemEntries(c *gin.Context) {
	entries, err := h.svc.ItemEntries(c.Request.Context(), c.Param("hash"))
	if err != nil {
		h.fail(c, "read item entries", err)
		return
	}
	h.writeJSON(c, http.StatusOK, entryList(entries))
}

// fail maps service errors onto HTTP responses.
func (h *RegisterHandler) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		h.logger.Warn(op+": not found", zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, merkle.ErrInvalidTreeSize),
		errors.Is(err, merkle.ErrInvalidEntryNumber),
		errors.Is(err, merkle.ErrIncompatibleSizes),
		errors.Is(err, service.ErrInvalidItem):
		h.logger.Warn(op+": rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// writeJSON renders v as canonical JSON.
func (h *RegisterHandler) writeJSON(c *gin.Context, status int, v any) {
	body, err := canonical.Marshal(v)
	if err != nil {
		h.logger.Error("encode response", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Data(status, "application/json", body)
}

// decodeBody parses the request body keeping numbers exact.
func decodeBody(c *gin.Context) (any, error) {
	raw, err := c.GetRawData()
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func pathInt(c *gin.Context, name string) (int64, bool) {
	n, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be an integer"})
		return 0, false
	}
	return n, true
}

func entryList(entries []model.Entry) []any {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Fields())
	}
	return out
}
