package admin

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"agroreg/internal/audit"
	"agroreg/internal/auth"
	"agroreg/internal/database"
	"agroreg/internal/models"
	"agroreg/internal/response"
	"agroreg/internal/validation"
)

// LoginRequest is the body of POST /api/v1/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the signed token and the permission map it encodes.
type LoginResponse struct {
	Token       string          `json:"token"`
	ExpiresAt   time.Time       `json:"expires_at"`
	User        models.User     `json:"user"`
	Permissions map[string]bool `json:"permissions"`
}

// HandleLogin authenticates a user and issues a JWT.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req LoginRequest
	if err := response.DecodeBody(r, &req); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)

	var hash string
	u, err := scanUserWithHash(h.DB.QueryRowContext(ctx,
		"SELECT "+userCols+", password_hash FROM users WHERE username = ?", req.Username), &hash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		response.Error(w, h.Log, err)
		return
	}
	if err != nil || !auth.CheckPassword(hash, req.Password) {
		h.Log.Info("login failed", zap.String("username", req.Username), zap.String("ip", audit.ClientIP(r)))
		response.Err(w, "invalid username or password", http.StatusUnauthorized)
		return
	}
	if !u.Active {
		response.Err(w, "account deactivated", http.StatusForbidden)
		return
	}

	perms := h.PermCache.Permissions(u.Role)
	token, exp, err := h.Tokens.Issue(u.ID, u.Username, u.Role, perms)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	now := database.Now()
	if _, err := database.SaveData(ctx, h.DB, "users", u.ID, map[string]any{"last_login": now}); err != nil {
		h.Log.Warn("record last login", zap.Int64("user_id", u.ID), zap.Error(err))
	}
	u.LastLogin = &now

	ctx = auth.WithClaims(ctx, &auth.Claims{UserID: u.ID, Username: u.Username, Role: u.Role, Permissions: perms})
	h.Audit.Log(ctx, audit.ActionLogin, Module, u.ID, "Signed in")
	response.JSON(w, LoginResponse{Token: token, ExpiresAt: exp, User: u, Permissions: perms})
}

func scanUserWithHash(row *sql.Row, hash *string) (models.User, error) {
	var u models.User
	var lastLogin sql.NullString
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.Role, &u.Active, &lastLogin, &u.CreatedAt, hash)
	u.LastLogin = database.StrPtr(lastLogin)
	return u, err
}

// MeResponse describes the caller.
type MeResponse struct {
	User        models.User `json:"user"`
	Permissions []string    `json:"permissions"`
}

// HandleMe handles GET /api/v1/auth/me. Permissions come from the token, so
// a role change takes effect at the next sign-in.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := auth.FromContext(ctx)
	if !ok {
		response.Error(w, h.Log, auth.ErrUnauthenticated)
		return
	}
	u, err := loadUser(ctx, h.DB, c.UserID)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	perms := make([]string, 0, len(c.Permissions))
	for _, p := range auth.AllPermissions {
		if c.Permissions[p] {
			perms = append(perms, p)
		}
	}
	response.JSON(w, MeResponse{User: u, Permissions: perms})
}

// HandleChangePassword handles POST /api/v1/auth/password for the caller's
// own account.
func (h *Handler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := auth.FromContext(ctx)
	if !ok {
		response.Error(w, h.Log, auth.ErrUnauthenticated)
		return
	}
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := response.DecodeBody(r, &req); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	var current string
	if err := h.DB.QueryRowContext(ctx, "SELECT password_hash FROM users WHERE id = ?", c.UserID).Scan(&current); err != nil {
		response.Error(w, h.Log, database.NotFound(err))
		return
	}
	ve := &validation.ValidationErrors{}
	if !auth.CheckPassword(current, req.CurrentPassword) {
		ve.Add("current_password", "is incorrect")
	}
	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		ve.Add("new_password", err.Error())
	}
	if err := ve.Err(); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if _, err := database.SaveData(ctx, h.DB, "users", c.UserID, map[string]any{"password_hash": hash}); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	h.Audit.Log(ctx, audit.ActionUpdate, Module, c.UserID, "Changed own password")
	response.JSON(w, map[string]string{"status": "updated"})
}
