package catalog

import (
	"net/http"
	"strings"

	"agroreg/internal/audit"
	"agroreg/internal/auth"
	"agroreg/internal/database"
	"agroreg/internal/handlers/common"
	"agroreg/internal/response"
	"agroreg/internal/validation"
)

// ListCrops handles GET /api/v1/crops. Any signed-in user may read the catalog.
func (h *Handler) ListCrops(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := auth.FromContext(ctx); !ok {
		response.Error(w, h.Log, auth.ErrUnauthenticated)
		return
	}
	where, args := "1=1", []any{}
	if v := r.URL.Query().Get("search"); v != "" {
		where += " AND (name LIKE ? OR code LIKE ?)"
		args = append(args, "%"+v+"%", "%"+v+"%")
	}
	crops, err := loadCrops(ctx, h.DB, where, args...)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	response.JSON(w, crops)
}

// GetCrop handles GET /api/v1/crops/:id.
func (h *Handler) GetCrop(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	if _, ok := auth.FromContext(ctx); !ok {
		response.Error(w, h.Log, auth.ErrUnauthenticated)
		return
	}
	id, err := common.ParseID(idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	c, err := loadCrop(ctx, h.DB, id)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	response.JSON(w, c)
}

type cropInput struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// CreateCrop handles POST /api/v1/crops.
func (h *Handler) CreateCrop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := auth.CheckPermission(ctx, auth.PermCatalogManage); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	var in cropInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	in.Name = strings.TrimSpace(in.Name)
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	ve := &validation.ValidationErrors{}
	validation.RequireField(ve, "name", in.Name)
	validation.ValidateMaxLength(ve, "name", in.Name, 100)
	validation.ValidateMaxLength(ve, "code", in.Code, 20)
	if in.Name != "" {
		var n int
		if err := h.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM crops WHERE LOWER(name) = LOWER(?)", in.Name).Scan(&n); err != nil {
			response.Error(w, h.Log, err)
			return
		}
		if n > 0 {
			ve.Add("name", "crop already exists")
		}
	}
	if err := ve.Err(); err != nil {
		response.Error(w, h.Log, err)
		return
	}

	id, err := database.SaveData(ctx, h.DB, "crops", 0, map[string]any{
		"name":       in.Name,
		"code":       in.Code,
		"created_at": database.Now(),
	})
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	c, err := loadCrop(ctx, h.DB, id)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	h.Audit.Log(ctx, audit.ActionCreate, Module, id, "Added crop "+c.Name)
	response.Created(w, c)
}

type varietyInput struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// CreateVariety handles POST /api/v1/crops/:id/varieties.
func (h *Handler) CreateVariety(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	if err := auth.CheckPermission(ctx, auth.PermCatalogManage); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	id, err := common.ParseID(idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	c, err := loadCrop(ctx, h.DB, id)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	var in varietyInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	in.Name = strings.TrimSpace(in.Name)
	ve := &validation.ValidationErrors{}
	validation.RequireField(ve, "name", in.Name)
	validation.ValidateMaxLength(ve, "name", in.Name, 150)
	validation.ValidateEnum(ve, "category", in.Category, validation.ValidSeedCategories)
	for _, v := range c.Varieties {
		if strings.EqualFold(v.Name, in.Name) {
			ve.Add("name", "variety already exists for "+c.Name)
		}
	}
	if err := ve.Err(); err != nil {
		response.Error(w, h.Log, err)
		return
	}

	if _, err := database.SaveData(ctx, h.DB, "crop_varieties", 0, map[string]any{
		"crop_id":    c.ID,
		"name":       in.Name,
		"category":   in.Category,
		"created_at": database.Now(),
	}); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if c, err = loadCrop(ctx, h.DB, c.ID); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	h.Audit.Log(ctx, audit.ActionCreate, Module, c.ID, "Added variety "+in.Name+" to "+c.Name)
	response.Created(w, c)
}
