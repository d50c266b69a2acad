package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/openregister/internal/canonical"
	"github.com/jmerrifield20/openregister/internal/register/model"
	"github.com/jmerrifield20/openregister/internal/register/service"
	"github.com/jmerrifield20/openregister/internal/validation"
)

// problem is one group of validation failures in a 400 response.
type problem struct {
	Error   string `json:"error"`
	Details any    `json:"details"`
}

// GetRecord handles GET /record/:key: the latest version of a record.
func (h *RegisterHandler) GetRecord(c *gin.Context) {
	rec, err := h.svc.Record(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.fail(c, "read record", err)
		return
	}
	h.writeJSON(c, http.StatusOK, canonical.Object{
		model.FieldEntryNumber:    rec.Entry.Number,
		model.FieldEntryTimestamp: model.FormatTimestamp(rec.Entry.Timestamp),
		model.FieldItemHash:       rec.Entry.ItemHash,
		model.FieldKey:            rec.Entry.Key,
		"item":                    map[string]any(rec.Item),
	})
}

// GetRecordEntries handles GET /record/:key/entries.
func (h *RegisterHandler) GetRecordEntries(c *gin.Context) {
	entries, err := h.svc.RecordEntries(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.fail(c, "read record entries", err)
		return
	}
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, canonical.Object{
			model.FieldEntryNumber:    e.Number,
			model.FieldEntryTimestamp: model.FormatTimestamp(e.Timestamp),
			model.FieldItemHash:       e.ItemHash,
			model.FieldKey:            e.Key,
		})
	}
	h.writeJSON(c, http.StatusOK, out)
}

// ListRecords handles GET /records: current records keyed by record key.
func (h *RegisterHandler) ListRecords(c *gin.Context) {
	p, err := parsePage(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	records, total, err := h.svc.Records(c.Request.Context(), p.start, p.limit)
	if err != nil {
		h.fail(c, "read records", err)
		return
	}
	p.setLinks(c, total)
	h.writeJSON(c, http.StatusOK, h.recordMap(records))
}

// ListRecordsByField handles GET /records/:field/:value.
func (h *RegisterHandler) ListRecordsByField(c *gin.Context) {
	field, value := c.Param("field"), c.Param("value")
	records, err := h.svc.RecordsByField(c.Request.Context(), field, value)
	if err != nil {
		h.fail(c, "read records by field", err)
		return
	}
	h.logger.Debug("records by field", zap.String("field", field), zap.String("value", value), zap.Int("returned", len(records)))
	h.writeJSON(c, http.StatusOK, h.recordMap(records))
}

func (h *RegisterHandler) recordMap(records []model.Record) canonical.Object {
	out := make(canonical.Object, len(records))
	for _, r := range records {
		out[r.Entry.Key] = r.Fields(h.svc.KeyField())
	}
	return out
}

// AddRecord handles POST /record: appends one signed item.
// Responds 202 with the new entry number and its location.
func (h *RegisterHandler) AddRecord(c *gin.Context) {
	body, err := decodeBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	var problems []problem
	env, errs := h.validator.Envelope(body)
	if errs != nil {
		problems = append(problems, problem{Error: "Envelope is invalid", Details: errs})
	} else if err := h.checkSignature(env); err != nil {
		problems = append(problems, problem{Error: "Signature check failure", Details: err.Error()})
	}
	if item, ok := itemOf(body); ok {
		if errs := h.validator.Item(item); errs != nil {
			problems = append(problems, problem{Error: "Item is invalid", Details: errs})
		}
	}
	if len(problems) > 0 {
		h.logger.Warn("record failed validation", zap.Int("problems", len(problems)))
		c.JSON(http.StatusBadRequest, problems)
		return
	}

	entry, err := h.svc.Append(c.Request.Context(), submissionOf(env))
	if err != nil {
		h.fail(c, "append record", err)
		return
	}
	c.Header("Location", fmt.Sprintf("/entry/%d", entry.Number))
	c.JSON(http.StatusAccepted, gin.H{"entry_number": entry.Number})
}

// AddRecords handles POST /records: appends a list of signed items in one
// unit of work.
func (h *RegisterHandler) AddRecords(c *gin.Context) {
	body, err := decodeBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	var problems []problem
	envs, errs := h.validator.List(body)
	if errs != nil {
		problems = append(problems, problem{Error: "List is invalid", Details: errs})
	} else {
		for i, env := range envs {
			if errs := h.validator.Item(env.Item); errs != nil {
				problems = append(problems, problem{Error: fmt.Sprintf("Item %d is invalid", i), Details: errs})
			} else if err := h.checkSignature(env); err != nil {
				problems = append(problems, problem{Error: fmt.Sprintf("Item %d signature check failure", i), Details: err.Error()})
			}
		}
	}
	if len(problems) > 0 {
		h.logger.Warn("records failed validation", zap.Int("problems", len(problems)))
		c.JSON(http.StatusBadRequest, problems)
		return
	}

	subs := make([]service.Submission, 0, len(envs))
	for _, env := range envs {
		subs = append(subs, submissionOf(env))
	}
	results, err := h.svc.AppendBatch(c.Request.Context(), subs)
	if err != nil {
		h.fail(c, "append records", err)
		return
	}
	out := make([]any, 0, len(results))
	for _, r := range results {
		out = append(out, canonical.Object{
			model.FieldItemHash:    r.ItemHash,
			model.FieldEntryNumber: r.Entry.Number,
		})
	}
	h.writeJSON(c, http.StatusAccepted, out)
}

func (h *RegisterHandler) checkSignature(env *validation.Envelope) error {
	if h.verifier == nil {
		return nil
	}
	payload, err := env.Item.SigningPayload()
	if err != nil {
		return err
	}
	return h.verifier.Verify(payload, env.ItemSignature, env.ItemHash)
}

func itemOf(body any) (model.Item, bool) {
	obj, ok := body.(map[string]any)
	if !ok {
		return nil, false
	}
	item, ok := obj["item"].(map[string]any)
	return item, ok
}

func submissionOf(env *validation.Envelope) service.Submission {
	return service.Submission{
		Item:          env.Item,
		ItemHash:      env.ItemHash,
		ItemSignature: env.ItemSignature,
	}
}
