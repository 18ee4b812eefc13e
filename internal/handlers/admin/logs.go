package admin

import (
	"net/http"
	"strconv"

	"agroreg/internal/audit"
	"agroreg/internal/auth"
	"agroreg/internal/response"
)

// HandleAuditLog handles GET /api/v1/audit?module=&user=&since=.
func (h *Handler) HandleAuditLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := auth.CheckAny(ctx, auth.PermSettingsManage, auth.PermReportsView); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	q := r.URL.Query()
	page, limit, offset := response.Page(r)
	entries, total, err := h.Audit.List(ctx, audit.Filter{
		Module:   q.Get("module"),
		Username: q.Get("user"),
		Since:    q.Get("since"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	response.JSONMeta(w, entries, total, page, limit)
}

// HandleEmailLog handles GET /api/v1/email-log?limit=.
func (h *Handler) HandleEmailLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := auth.CheckPermission(ctx, auth.PermSettingsManage); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	entries, err := h.Mailer.Log(ctx, limit)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	response.JSON(w, entries)
}
