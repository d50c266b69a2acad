package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// republishRequest is the body of POST /entries/republish.
type republishRequest struct {
	Entries    []int64 `json:"entries"`
	RoutingKey string  `json:"routing_key"`
}

// ListEntries handles GET /entries: newest first, paginated.
func (h *RegisterHandler) ListEntries(c *gin.Context) {
	p, err := parsePage(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entries, count, err := h.svc.Entries(c.Request.Context(), p.start, p.limit)
	if err != nil {
		h.fail(c, "read entries", err)
		return
	}
	p.setLinks(c, count)
	h.writeJSON(c, http.StatusOK, entryList(entries))
}

// GetEntry handles GET /entry/:number.
func (h *RegisterHandler) GetEntry(c *gin.Context) {
	n, ok := pathInt(c, "number")
	if !ok {
		return
	}
	entry, err := h.svc.Entry(c.Request.Context(), n)
	if err != nil {
		h.fail(c, "read entry", err)
		return
	}
	h.writeJSON(c, http.StatusOK, entry.Fields())
}

// RepublishEntries handles POST /entries/republish: re-emits change events
// for the listed entries. Responds 404 when any entry was not found.
func (h *RegisterHandler) RepublishEntries(c *gin.Context) {
	var req republishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if len(req.Entries) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Payload must contain 'entries' with a list of entries to republish"})
		return
	}
	if req.RoutingKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Payload must contain 'routing_key' with a routing key to publish using"})
		return
	}

	republished, notFound, err := h.svc.RepublishEntries(c.Request.Context(), req.Entries, req.RoutingKey)
	if err != nil {
		h.fail(c, "republish entries", err)
		return
	}
	h.logger.Info("republish finished",
		zap.Int64s("republished", republished),
		zap.Int64s("not_found", notFound),
	)

	status := http.StatusOK
	if len(notFound) > 0 {
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{
		"republished_entries": republished,
		"entries_not_found":   notFound,
	})
}
