package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/upb/agent-guard/models"
	"github.com/upb/agent-guard/services/audit"
	"github.com/upb/agent-guard/utils"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// AuditQuerier defines the read-only audit operations
type AuditQuerier interface {
	Query(ctx context.Context, filter audit.Filter) ([]*models.AuditRecord, error)
	Denied(ctx context.Context, days, limit int) ([]*models.AuditRecord, error)
}

// AuditHandler serves the audit query surface
type AuditHandler struct {
	audit  AuditQuerier
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(audit AuditQuerier, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger}
}

// RecordsResponse wraps a page of audit records
type RecordsResponse struct {
	Records []*models.AuditRecord `json:"records"`
	Count   int                   `json:"count"`
}

// HandleRecords handles GET /api/v1/audit/records?agent_id=&from=&to=&allowed=&type=&limit=
func (h *AuditHandler) HandleRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		AgentID: q.Get("agent_id"),
		Type:    models.AuditRecordType(q.Get("type")),
	}

	var err error
	if filter.From, err = parseTime(q.Get("from"), false); err != nil {
		_ = utils.WriteBadRequest(w, "invalid from", map[string]interface{}{"from": "expected RFC3339 or YYYY-MM-DD"})
		return
	}
	if filter.To, err = parseTime(q.Get("to"), true); err != nil {
		_ = utils.WriteBadRequest(w, "invalid to", map[string]interface{}{"to": "expected RFC3339 or YYYY-MM-DD"})
		return
	}
	if v := q.Get("allowed"); v != "" {
		allowed, err := strconv.ParseBool(v)
		if err != nil {
			_ = utils.WriteBadRequest(w, "invalid allowed", map[string]interface{}{"allowed": "expected true or false"})
			return
		}
		filter.Allowed = &allowed
	}
	if filter.Type != "" && !filter.Type.Valid() {
		_ = utils.WriteBadRequest(w, "invalid type", nil)
		return
	}
	if filter.Limit, err = parsePositive(q.Get("limit")); err != nil {
		_ = utils.WriteBadRequest(w, "invalid limit", nil)
		return
	}

	records, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, RecordsResponse{Records: nonNil(records), Count: len(records)})
}

// HandleDenied handles GET /api/v1/audit/denied?days=&limit=
func (h *AuditHandler) HandleDenied(w http.ResponseWriter, r *http.Request) {
	days, err := parsePositive(r.URL.Query().Get("days"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "invalid days", nil)
		return
	}
	limit, err := parsePositive(r.URL.Query().Get("limit"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "invalid limit", nil)
		return
	}

	records, err := h.audit.Denied(r.Context(), days, limit)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, RecordsResponse{Records: nonNil(records), Count: len(records)})
}

// parseTime accepts RFC3339 or a bare UTC date. A bare date used as an upper
// bound covers the whole day.
func parseTime(v string, endOfDay bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// parsePositive parses an optional non-negative integer; empty means 0
func parsePositive(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

func nonNil(records []*models.AuditRecord) []*models.AuditRecord {
	if records == nil {
		return []*models.AuditRecord{}
	}
	return records
}
