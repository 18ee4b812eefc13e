package admin

import (
	"fmt"
	"net/http"
	"strings"

	"agroreg/internal/audit"
	"agroreg/internal/auth"
	"agroreg/internal/database"
	"agroreg/internal/handlers/common"
	"agroreg/internal/models"
	"agroreg/internal/response"
	"agroreg/internal/validation"
)

// ListUsers handles GET /api/v1/users?role=&active=&search=.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := auth.CheckPermission(ctx, auth.PermUsersManage); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	q := r.URL.Query()
	where := " FROM users WHERE 1=1"
	var args []any
	if v := q.Get("role"); v != "" {
		where += " AND role = ?"
		args = append(args, v)
	}
	switch q.Get("active") {
	case "1", "true":
		where += " AND active = 1"
	case "0", "false":
		where += " AND active = 0"
	}
	if v := q.Get("search"); v != "" {
		where += " AND (username LIKE ? OR display_name LIKE ? OR email LIKE ?)"
		like := "%" + v + "%"
		args = append(args, like, like, like)
	}

	var total int
	if err := h.DB.QueryRowContext(ctx, "SELECT COUNT(*)"+where, args...).Scan(&total); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	page, limit, offset := response.Page(r)
	rows, err := h.DB.QueryContext(ctx, "SELECT "+userCols+where+" ORDER BY id LIMIT ? OFFSET ?", append(args, limit, offset)...)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	defer rows.Close()
	users := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			response.Error(w, h.Log, err)
			return
		}
		users = append(users, u)
	}
	response.JSONMeta(w, users, total, page, limit)
}

// CreateUser handles POST /api/v1/users.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := auth.CheckPermission(ctx, auth.PermUsersManage); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	var in NewUser
	if err := response.DecodeBody(r, &in); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	id, err := CreateAccount(ctx, h.DB, in)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	u, err := loadUser(ctx, h.DB, id)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	h.Audit.Log(ctx, audit.ActionCreate, Module, id, fmt.Sprintf("Created user %s (%s)", u.Username, u.Role))
	response.Created(w, u)
}

type updateUserInput struct {
	Email       *string `json:"email"`
	DisplayName *string `json:"display_name"`
	Role        *string `json:"role"`
	Active      *bool   `json:"active"`
}

// UpdateUser handles PUT /api/v1/users/:id. Absent fields are left as they
// are. Administrators cannot deactivate or demote themselves.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	if err := auth.CheckPermission(ctx, auth.PermUsersManage); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	id, err := common.ParseID(idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	u, err := loadUser(ctx, h.DB, id)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	var in updateUserInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Error(w, h.Log, err)
		return
	}

	ve := &validation.ValidationErrors{}
	data := map[string]any{}
	if in.Email != nil {
		email := strings.TrimSpace(*in.Email)
		validation.ValidateEmail(ve, "email", email)
		data["email"] = email
	}
	if in.DisplayName != nil {
		validation.RequireField(ve, "display_name", *in.DisplayName)
		validation.ValidateMaxLength(ve, "display_name", *in.DisplayName, 255)
		data["display_name"] = strings.TrimSpace(*in.DisplayName)
	}
	if in.Role != nil {
		validation.RequireField(ve, "role", *in.Role)
		validation.ValidateEnum(ve, "role", *in.Role, validation.ValidRoles)
		if id == auth.UserID(ctx) && *in.Role != u.Role {
			ve.Add("role", "cannot change your own role")
		}
		data["role"] = *in.Role
	}
	if in.Active != nil {
		if id == auth.UserID(ctx) && !*in.Active {
			ve.Add("active", "cannot deactivate yourself")
		}
		data["active"] = *in.Active
	}
	if err := ve.Err(); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if len(data) > 0 {
		if _, err := database.SaveData(ctx, h.DB, "users", id, data); err != nil {
			response.Error(w, h.Log, err)
			return
		}
	}
	if u, err = loadUser(ctx, h.DB, id); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	h.Audit.Log(ctx, audit.ActionUpdate, Module, id, fmt.Sprintf("Updated user %s (role %s, active %t)", u.Username, u.Role, u.Active))
	response.JSON(w, u)
}

// ResetPassword handles POST /api/v1/users/:id/password.
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	if err := auth.CheckPermission(ctx, auth.PermUsersManage); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	id, err := common.ParseID(idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	u, err := loadUser(ctx, h.DB, id)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := response.DecodeBody(r, &req); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		ve := &validation.ValidationErrors{}
		ve.Add("password", err.Error())
		response.Error(w, h.Log, ve)
		return
	}
	if _, err := database.SaveData(ctx, h.DB, "users", id, map[string]any{"password_hash": hash}); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	h.Audit.Log(ctx, audit.ActionUpdate, Module, id, "Reset password for "+u.Username)
	response.JSON(w, map[string]string{"status": "password_reset"})
}

// ListInspectors handles GET /api/v1/inspectors?permission=. It returns the
// active users an assigner may pick, optionally narrowed to one inspect
// permission.
func (h *Handler) ListInspectors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	err := auth.CheckAny(ctx, auth.PermApplicationsAssign, auth.PermPermitsAssign, auth.PermReturnsAssign,
		auth.PermDeclarationsAssign, auth.PermStockAssign, auth.PermUsersManage)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	perm := r.URL.Query().Get("permission")
	if perm != "" && !auth.IsKnownPermission(perm) {
		ve := &validation.ValidationErrors{}
		ve.Add("permission", "unknown permission")
		response.Error(w, h.Log, ve)
		return
	}

	users := []models.User{}
	roles := h.inspectorRoles(perm)
	if len(roles) == 0 {
		response.JSON(w, users)
		return
	}
	args := make([]any, len(roles))
	for i, role := range roles {
		args[i] = role
	}
	rows, err := h.DB.QueryContext(ctx, "SELECT "+userCols+" FROM users WHERE active = 1 AND role IN ("+
		strings.TrimSuffix(strings.Repeat("?, ", len(roles)), ", ")+") ORDER BY display_name", args...)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			response.Error(w, h.Log, err)
			return
		}
		users = append(users, u)
	}
	response.JSON(w, users)
}
