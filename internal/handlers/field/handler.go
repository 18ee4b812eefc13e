// Package field serves crop declarations and the staged field inspections
// an assigned inspector carries out on a declared seed crop.
package field

import (
	"context"
	"database/sql"
	"fmt"

	"agroreg/internal/database"
	"agroreg/internal/models"
	"agroreg/internal/server"
)

// Handler holds dependencies for field inspection handlers.
type Handler struct {
	*server.App
}

const Module = "crop_declarations"

const declarationCols = `d.id, d.user_id, d.planting_return_id, d.crop_id, c.name, d.variety, d.category,
	d.field_size_ha, d.seed_source, d.source_lot_number, d.location, d.status, COALESCE(d.status_comment, ''),
	d.inspector_id, d.current_stage, d.created_at, d.updated_at`

const declarationFrom = " FROM crop_declarations d JOIN crops c ON c.id = d.crop_id"

func scanDeclaration(row interface{ Scan(...any) error }) (models.CropDeclaration, error) {
	var d models.CropDeclaration
	var ret, inspector sql.NullInt64
	err := row.Scan(&d.ID, &d.UserID, &ret, &d.CropID, &d.CropName, &d.Variety, &d.Category, &d.FieldSizeHa,
		&d.SeedSource, &d.SourceLotNumber, &d.Location, &d.Status, &d.StatusComment, &inspector,
		&d.CurrentStage, &d.CreatedAt, &d.UpdatedAt)
	d.PlantingReturnID = database.IntPtr(ret)
	d.InspectorID = database.IntPtr(inspector)
	return d, err
}

func loadInspections(ctx context.Context, q database.Querier, declarationID int64) ([]models.CropInspection, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, declaration_id, stage, decision, COALESCE(remarks, ''),
		estimated_yield_kg, inspector_id, inspected_at
		FROM crop_inspections WHERE declaration_id = ? ORDER BY id`, declarationID)
	if err != nil {
		return nil, fmt.Errorf("query inspections: %w", err)
	}
	defer rows.Close()
	out := []models.CropInspection{}
	for rows.Next() {
		var in models.CropInspection
		if err := rows.Scan(&in.ID, &in.DeclarationID, &in.Stage, &in.Decision, &in.Remarks,
			&in.EstimatedYieldKg, &in.InspectorID, &in.InspectedAt); err != nil {
			return nil, fmt.Errorf("scan inspection: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func load(ctx context.Context, q database.Querier, id int64) (models.CropDeclaration, error) {
	d, err := scanDeclaration(q.QueryRowContext(ctx, "SELECT "+declarationCols+declarationFrom+" WHERE d.id = ?", id))
	if err != nil {
		return d, database.NotFound(err)
	}
	d.Inspections, err = loadInspections(ctx, q, id)
	return d, err
}

func reference(d models.CropDeclaration) string {
	return fmt.Sprintf("%s %s", d.CropName, d.Variety)
}
