// Package catalog serves the crop and variety catalog every form refers to,
// including spreadsheet import and export.
package catalog

import (
	"context"
	"fmt"

	"agroreg/internal/database"
	"agroreg/internal/models"
	"agroreg/internal/server"
)

// Handler holds dependencies for catalog handlers.
type Handler struct {
	*server.App
}

const Module = "catalog"

// loadCrops returns crops matching where, each with its varieties.
func loadCrops(ctx context.Context, q database.Querier, where string, args ...any) ([]models.Crop, error) {
	rows, err := q.QueryContext(ctx, "SELECT id, name, code, created_at FROM crops WHERE "+where+" ORDER BY name", args...)
	if err != nil {
		return nil, fmt.Errorf("query crops: %w", err)
	}
	crops := []models.Crop{}
	index := map[int64]int{}
	for rows.Next() {
		var c models.Crop
		if err := rows.Scan(&c.ID, &c.Name, &c.Code, &c.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan crop: %w", err)
		}
		c.Varieties = []models.CropVariety{}
		index[c.ID] = len(crops)
		crops = append(crops, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(crops) == 0 {
		return crops, nil
	}

	vrows, err := q.QueryContext(ctx, "SELECT id, crop_id, name, category FROM crop_varieties ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("query varieties: %w", err)
	}
	defer vrows.Close()
	for vrows.Next() {
		var v models.CropVariety
		if err := vrows.Scan(&v.ID, &v.CropID, &v.Name, &v.Category); err != nil {
			return nil, fmt.Errorf("scan variety: %w", err)
		}
		if i, ok := index[v.CropID]; ok {
			crops[i].Varieties = append(crops[i].Varieties, v)
		}
	}
	return crops, vrows.Err()
}

func loadCrop(ctx context.Context, q database.Querier, id int64) (models.Crop, error) {
	crops, err := loadCrops(ctx, q, "id = ?", id)
	if err != nil {
		return models.Crop{}, err
	}
	if len(crops) == 0 {
		return models.Crop{}, database.ErrNotFound
	}
	return crops[0], nil
}
