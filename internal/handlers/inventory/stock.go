package inventory

import (
	"net/http"

	"agroreg/internal/auth"
	"agroreg/internal/handlers/common"
	"agroreg/internal/models"
	"agroreg/internal/response"
)

// ListStockRecords handles GET /api/v1/stock/records.
func (h *Handler) ListStockRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := auth.FromContext(ctx); !ok {
		response.Error(w, h.Log, auth.ErrUnauthenticated)
		return
	}
	q := r.URL.Query()
	where := " FROM stock_records s JOIN crops c ON c.id = s.crop_id WHERE 1=1"
	var args []any
	if v := q.Get("crop_id"); v != "" {
		where += " AND s.crop_id=?"
		args = append(args, v)
	}
	if v := q.Get("lot_number"); v != "" {
		where += " AND s.lot_number=?"
		args = append(args, v)
	}
	if v := q.Get("source"); v != "" {
		where += " AND s.source=?"
		args = append(args, v)
	}
	where, args = common.ScopeOwner(ctx, where, args, auth.PermStockViewAll, "")

	var total int
	if err := h.DB.QueryRowContext(ctx, "SELECT COUNT(*)"+where, args...).Scan(&total); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	page, limit, offset := response.Page(r)
	rows, err := h.DB.QueryContext(ctx, `SELECT s.id, s.user_id, s.lot_number, s.crop_id, c.name, s.variety, s.category,
		s.quantity_kg, s.source, s.source_id, s.created_at`+where+" ORDER BY s.id DESC LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	defer rows.Close()
	items := []models.StockRecord{}
	for rows.Next() {
		var s models.StockRecord
		if err := rows.Scan(&s.ID, &s.UserID, &s.LotNumber, &s.CropID, &s.CropName, &s.Variety, &s.Category,
			&s.QuantityKg, &s.Source, &s.SourceID, &s.CreatedAt); err != nil {
			response.Error(w, h.Log, err)
			return
		}
		items = append(items, s)
	}
	response.JSONMeta(w, items, total, page, limit)
}

// ListMarketableSeeds handles GET /api/v1/stock/marketable. Pass
// available=1 to hide lots that are fully labelled.
func (h *Handler) ListMarketableSeeds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := auth.FromContext(ctx); !ok {
		response.Error(w, h.Log, auth.ErrUnauthenticated)
		return
	}
	q := r.URL.Query()
	where := " FROM marketable_seeds m JOIN crops c ON c.id = m.crop_id WHERE 1=1"
	var args []any
	if v := q.Get("crop_id"); v != "" {
		where += " AND m.crop_id=?"
		args = append(args, v)
	}
	if q.Get("available") == "1" {
		where += " AND m.available_kg > 0"
	}
	where, args = common.ScopeOwner(ctx, where, args, auth.PermStockViewAll, "")

	var total int
	if err := h.DB.QueryRowContext(ctx, "SELECT COUNT(*)"+where, args...).Scan(&total); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	page, limit, offset := response.Page(r)
	rows, err := h.DB.QueryContext(ctx, `SELECT m.id, m.user_id, m.seed_lab_id, m.lot_number, m.crop_id, c.name,
		m.variety, m.category, m.quantity_kg, m.available_kg, m.created_at`+where+" ORDER BY m.id DESC LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	defer rows.Close()
	items := []models.MarketableSeed{}
	for rows.Next() {
		var m models.MarketableSeed
		if err := rows.Scan(&m.ID, &m.UserID, &m.SeedLabID, &m.LotNumber, &m.CropID, &m.CropName, &m.Variety,
			&m.Category, &m.QuantityKg, &m.AvailableKg, &m.CreatedAt); err != nil {
			response.Error(w, h.Log, err)
			return
		}
		items = append(items, m)
	}
	response.JSONMeta(w, items, total, page, limit)
}
