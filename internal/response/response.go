package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"agroreg/internal/auth"
	"agroreg/internal/blob"
	"agroreg/internal/database"
	"agroreg/internal/models"
	"agroreg/internal/validation"
	"agroreg/internal/workflow"
)

// JSON writes a successful API response with the given data.
func JSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.APIResponse{Data: data})
}

// Created writes data with 201.
func Created(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(models.APIResponse{Data: data})
}

// JSONMeta writes a successful API response with pagination metadata.
func JSONMeta(w http.ResponseWriter, data interface{}, total, page, limit int) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.APIResponse{
		Data: data,
		Meta: &models.Meta{Total: total, Page: page, Limit: limit},
	})
}

// Err writes a JSON error response with the given message and HTTP status code.
func Err(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Error maps err to a status code. Known sentinels keep their message;
// anything else is logged and reported as a generic 500.
func Error(w http.ResponseWriter, log *zap.Logger, err error) {
	if ve, ok := validation.FromError(err); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": "validation failed", "fields": ve.Errors})
		return
	}
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		Err(w, "not found", http.StatusNotFound)
	case errors.Is(err, auth.ErrUnauthenticated):
		Err(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrForbidden):
		Err(w, "permission denied", http.StatusForbidden)
	case errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrNotEditable),
		errors.Is(err, workflow.ErrConflict):
		Err(w, err.Error(), http.StatusConflict)
	default:
		if log != nil {
			log.Error("request failed", zap.Error(err))
		}
		Err(w, "internal server error", http.StatusInternalServerError)
	}
}

// DecodeBody decodes a JSON request body into the given value.
func DecodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		ve := &validation.ValidationErrors{}
		ve.Add("body", "invalid JSON: "+err.Error())
		return ve
	}
	return nil
}

// Page reads page and limit query parameters with sane bounds.
func Page(r *http.Request) (page, limit, offset int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}
	return page, limit, (page - 1) * limit
}
