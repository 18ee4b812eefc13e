// Package plantingreturns serves SR8 planting returns: declarations of seed
// planted for multiplication, reviewed by an assigned inspector.
package plantingreturns

import (
	"context"
	"database/sql"

	"agroreg/internal/database"
	"agroreg/internal/models"
	"agroreg/internal/server"
)

type Handler struct {
	*server.App
}

const Module = "planting_returns"

const returnCols = `r.id, r.user_id, r.applicant_name, r.district, r.subcounty, r.village, r.crop_id, c.name,
	r.variety, r.seed_class, r.quantity_planted, r.area_ha, r.planting_date, r.expected_harvest_date,
	r.source_lot_number, r.sr8_number, r.status, COALESCE(r.status_comment, ''), r.inspector_id,
	r.created_at, r.updated_at`

const returnFrom = " FROM planting_returns r JOIN crops c ON c.id = r.crop_id"

func scanReturn(row interface{ Scan(...any) error }) (models.PlantingReturn, error) {
	var p models.PlantingReturn
	var inspector sql.NullInt64
	err := row.Scan(&p.ID, &p.UserID, &p.ApplicantName, &p.District, &p.Subcounty, &p.Village, &p.CropID,
		&p.CropName, &p.Variety, &p.SeedClass, &p.QuantityPlanted, &p.AreaHa, &p.PlantingDate,
		&p.ExpectedHarvestDate, &p.SourceLotNumber, &p.SR8Number, &p.Status, &p.StatusComment, &inspector,
		&p.CreatedAt, &p.UpdatedAt)
	p.InspectorID = database.IntPtr(inspector)
	return p, err
}

func load(ctx context.Context, q database.Querier, id int64) (models.PlantingReturn, error) {
	p, err := scanReturn(q.QueryRowContext(ctx, "SELECT "+returnCols+returnFrom+" WHERE r.id = ?", id))
	return p, database.NotFound(err)
}
