package common

import (
	"net/http"

	"agroreg/internal/auth"
	"agroreg/internal/models"
	"agroreg/internal/response"
	"agroreg/internal/workflow"
)

var dashboardMachines = []struct {
	machine *workflow.Machine
	viewAll string
}{
	{workflow.Applications, auth.PermApplicationsViewAll},
	{workflow.Permits, auth.PermPermitsViewAll},
	{workflow.Returns, auth.PermReturnsViewAll},
	{workflow.Declarations, auth.PermDeclarationsViewAll},
	{workflow.StockExams, auth.PermStockViewAll},
	{workflow.Labs, auth.PermLabsViewAll},
	{workflow.Labels, auth.PermLabelsViewAll},
}

// Dashboard handles GET /api/v1/dashboard: record counts per entity and
// status. Callers without reports.view or the entity's view-all permission
// only count their own records.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := auth.FromContext(ctx); !ok {
		response.Error(w, h.Log, auth.ErrUnauthenticated)
		return
	}
	counts := []models.StatusCount{}
	for _, d := range dashboardMachines {
		query := "SELECT status, COUNT(*) FROM " + d.machine.Table
		var args []any
		if !auth.HasPermission(ctx, auth.PermReportsView) && !auth.HasPermission(ctx, d.viewAll) {
			query += " WHERE user_id = ?"
			args = append(args, auth.UserID(ctx))
		}
		query += " GROUP BY status ORDER BY status"
		rows, err := h.DB.QueryContext(ctx, query, args...)
		if err != nil {
			response.Error(w, h.Log, err)
			return
		}
		for rows.Next() {
			c := models.StatusCount{Entity: d.machine.Entity}
			if err := rows.Scan(&c.Status, &c.Count); err != nil {
				rows.Close()
				response.Error(w, h.Log, err)
				return
			}
			counts = append(counts, c)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			response.Error(w, h.Log, err)
			return
		}
	}
	response.JSON(w, counts)
}
