package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/openregister/internal/canonical"
	"github.com/jmerrifield20/openregister/internal/merkle"
	"github.com/jmerrifield20/openregister/internal/register/model"
)

// ListProofs handles GET /proofs.
func (h *RegisterHandler) ListProofs(c *gin.Context) {
	c.JSON(http.StatusOK, []string{ProofIdentifier})
}

func (h *RegisterHandler) checkProofIdentifier(c *gin.Context) bool {
	if id := c.Param("id"); id != ProofIdentifier {
		h.logger.Warn("invalid proof identifier supplied", zap.String("proof_identifier", id))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid proof identifier"})
		return false
	}
	return true
}

// GetRegisterProof handles GET /proof/register/:id: the current tree head.
func (h *RegisterHandler) GetRegisterProof(c *gin.Context) {
	if !h.checkProofIdentifier(c) {
		return
	}
	head, err := h.svc.TreeHead(c.Request.Context())
	if err != nil {
		h.fail(c, "compute tree head", err)
		return
	}
	h.writeJSON(c, http.StatusOK, canonical.Object{
		"proof-identifier": ProofIdentifier,
		"tree-size":        head.TreeSize,
		"timestamp":        model.FormatTimestamp(head.Timestamp),
		"root-hash":        merkle.FormatDigest(head.RootHash),
	})
}

// GetEntryProof handles GET /proof/entry/:number/:total/:id: the audit path
// of an entry.
func (h *RegisterHandler) GetEntryProof(c *gin.Context) {
	if !h.checkProofIdentifier(c) {
		return
	}
	number, ok := pathInt(c, "number")
	if !ok {
		return
	}
	total, ok := pathInt(c, "total")
	if !ok {
		return
	}
	path, err := h.svc.EntryProof(c.Request.Context(), number, total)
	if err != nil {
		h.fail(c, "compute entry proof", err)
		return
	}
	h.logger.Info("entry proof served", zap.Int64("entry_number", number), zap.Int64("tree_size", total), zap.Int("path_length", len(path)))
	h.writeJSON(c, http.StatusOK, canonical.Object{
		"proof-identifier":  ProofIdentifier,
		"entry-number":      number,
		"merkle-audit-path": merkle.FormatDigests(path),
	})
}

// GetConsistencyProof handles GET /proof/consistency/:a/:b/:id.
func (h *RegisterHandler) GetConsistencyProof(c *gin.Context) {
	if !h.checkProofIdentifier(c) {
		return
	}
	older, ok := pathInt(c, "a")
	if !ok {
		return
	}
	newer, ok := pathInt(c, "b")
	if !ok {
		return
	}
	nodes, err := h.svc.ConsistencyProof(c.Request.Context(), older, newer)
	if err != nil {
		h.fail(c, "compute consistency proof", err)
		return
	}
	h.logger.Info("consistency proof served", zap.Int64("size_older", older), zap.Int64("size_newer", newer), zap.Int("nodes", len(nodes)))
	h.writeJSON(c, http.StatusOK, canonical.Object{
		"proof-identifier":         ProofIdentifier,
		"merkle-consistency-nodes": merkle.FormatDigests(nodes),
	})
}
