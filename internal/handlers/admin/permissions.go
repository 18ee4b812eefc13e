package admin

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"agroreg/internal/audit"
	"agroreg/internal/auth"
	"agroreg/internal/response"
	"agroreg/internal/validation"
)

// RolePermissions is one role's permission list.
type RolePermissions struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// HandleListPermissions handles GET /api/v1/settings/permissions. It lists
// every known permission and what each role holds.
func (h *Handler) HandleListPermissions(w http.ResponseWriter, r *http.Request) {
	if err := auth.CheckPermission(r.Context(), auth.PermSettingsManage); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	roles := make([]RolePermissions, 0, len(validation.ValidRoles))
	for _, role := range validation.ValidRoles {
		roles = append(roles, RolePermissions{Role: role, Permissions: h.PermCache.List(role)})
	}
	response.JSON(w, map[string]any{
		"available": auth.AllPermissions,
		"roles":     roles,
	})
}

// HandleGetPermissions handles GET /api/v1/settings/permissions/:role.
func (h *Handler) HandleGetPermissions(w http.ResponseWriter, r *http.Request, role string) {
	if err := auth.CheckPermission(r.Context(), auth.PermSettingsManage); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if !slices.Contains(validation.ValidRoles, role) {
		response.Err(w, "unknown role", http.StatusNotFound)
		return
	}
	response.JSON(w, RolePermissions{Role: role, Permissions: h.PermCache.List(role)})
}

// HandleSetPermissions handles PUT /api/v1/settings/permissions/:role and
// replaces the role's permissions. Tokens already issued keep their map
// until they expire.
func (h *Handler) HandleSetPermissions(w http.ResponseWriter, r *http.Request, role string) {
	ctx := r.Context()
	if err := auth.CheckPermission(ctx, auth.PermSettingsManage); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if !slices.Contains(validation.ValidRoles, role) {
		response.Err(w, "unknown role", http.StatusNotFound)
		return
	}
	var req struct {
		Permissions []string `json:"permissions"`
	}
	if err := response.DecodeBody(r, &req); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	ve := &validation.ValidationErrors{}
	for i, p := range req.Permissions {
		if !auth.IsKnownPermission(p) {
			ve.Add("permissions["+strconv.Itoa(i)+"]", "unknown permission "+p)
		}
	}
	// Admins keep the rights to undo their own change.
	if role == auth.RoleAdmin && !slices.Contains(req.Permissions, auth.PermSettingsManage) {
		ve.Add("permissions", "admin must keep "+auth.PermSettingsManage)
	}
	if err := ve.Err(); err != nil {
		response.Error(w, h.Log, err)
		return
	}

	if err := auth.SetRolePermissions(ctx, h.DB, h.PermCache, role, req.Permissions); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	perms := h.PermCache.List(role)
	h.Audit.Log(ctx, audit.ActionSettings, "settings", 0,
		fmt.Sprintf("Set %d permissions for %s: %s", len(perms), role, strings.Join(perms, ", ")))
	response.JSON(w, RolePermissions{Role: role, Permissions: perms})
}
