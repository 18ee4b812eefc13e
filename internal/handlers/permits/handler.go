// Package permits serves seed import permits and their consignment items.
package permits

import (
	"context"
	"database/sql"
	"fmt"

	"agroreg/internal/database"
	"agroreg/internal/models"
	"agroreg/internal/server"
)

// Handler holds dependencies for import permit handlers.
type Handler struct {
	*server.App
}

// Module names permit records in attachments, audit and websocket events.
const Module = "import_permits"

// validityMonths is how long an approved permit may be used for a consignment.
const validityMonths = 6

const permitCols = `id, user_id, permit_type, applicant_name, address, phone, country_of_origin, supplier_name,
	supplier_address, purpose, status, COALESCE(status_comment, ''), inspector_id, permit_number, valid_until,
	created_at, updated_at`

func scanPermit(row interface{ Scan(...any) error }) (models.ImportPermit, error) {
	var p models.ImportPermit
	var inspector sql.NullInt64
	var number sql.NullString
	err := row.Scan(&p.ID, &p.UserID, &p.PermitType, &p.ApplicantName, &p.Address, &p.Phone, &p.CountryOfOrigin,
		&p.SupplierName, &p.SupplierAddress, &p.Purpose, &p.Status, &p.StatusComment, &inspector, &number,
		&p.ValidUntil, &p.CreatedAt, &p.UpdatedAt)
	p.InspectorID = database.IntPtr(inspector)
	p.PermitNumber = database.StrPtr(number)
	return p, err
}

func loadItems(ctx context.Context, q database.Querier, permitID int64) ([]models.ImportPermitItem, error) {
	rows, err := q.QueryContext(ctx, `SELECT i.id, i.crop_id, c.name, i.variety, i.category, i.weight, i.unit
		FROM import_permit_items i JOIN crops c ON c.id = i.crop_id WHERE i.permit_id = ? ORDER BY i.id`, permitID)
	if err != nil {
		return nil, fmt.Errorf("query permit items: %w", err)
	}
	defer rows.Close()
	items := []models.ImportPermitItem{}
	for rows.Next() {
		var it models.ImportPermitItem
		if err := rows.Scan(&it.ID, &it.CropID, &it.CropName, &it.Variety, &it.Category, &it.Weight, &it.Unit); err != nil {
			return nil, fmt.Errorf("scan permit item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func load(ctx context.Context, q database.Querier, id int64) (models.ImportPermit, error) {
	p, err := scanPermit(q.QueryRowContext(ctx, "SELECT "+permitCols+" FROM import_permits WHERE id = ?", id))
	if err != nil {
		return p, database.NotFound(err)
	}
	p.Items, err = loadItems(ctx, q, id)
	return p, err
}

func reference(p models.ImportPermit) string {
	if p.PermitNumber != nil {
		return *p.PermitNumber
	}
	return ""
}
