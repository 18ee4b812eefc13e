package labels

import (
	"database/sql"
	"net/http"

	"github.com/google/uuid"

	"agroreg/internal/database"
	"agroreg/internal/models"
	"agroreg/internal/response"
	"agroreg/internal/workflow"
)

// Verify handles GET /verify/{code}. It is public: anyone scanning a label
// learns which lot it belongs to and whether it is genuine.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request, code string) {
	if _, err := uuid.Parse(code); err != nil {
		response.Error(w, h.Log, database.ErrNotFound)
		return
	}
	var v models.LabelVerification
	var labNumber sql.NullString
	err := h.DB.QueryRowContext(r.Context(), `SELECT k.code, l.lot_number, c.name, m.variety, m.category,
		l.package_size_kg, u.display_name, s.lab_number, l.status, l.approved_at
		FROM seed_label_codes k
		JOIN seed_labels l ON l.id = k.label_id
		JOIN marketable_seeds m ON m.id = l.marketable_seed_id
		JOIN crops c ON c.id = m.crop_id
		JOIN users u ON u.id = l.user_id
		LEFT JOIN seed_labs s ON s.id = m.seed_lab_id
		WHERE k.code = ?`, code).Scan(&v.Code, &v.LotNumber, &v.CropName, &v.Variety, &v.Category,
		&v.PackageSizeKg, &v.Producer, &labNumber, &v.Status, &v.ApprovedAt)
	if err != nil {
		response.Error(w, h.Log, database.NotFound(err))
		return
	}
	if labNumber.Valid {
		v.LabNumber = labNumber.String
	}
	v.Valid = v.Status == workflow.StatusApproved || v.Status == workflow.StatusPrinted
	response.JSON(w, v)
}
