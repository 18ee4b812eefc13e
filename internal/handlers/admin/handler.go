// Package admin serves sign-in, user administration, role permissions and
// the audit and email logs.
package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"agroreg/internal/auth"
	"agroreg/internal/database"
	"agroreg/internal/models"
	"agroreg/internal/server"
	"agroreg/internal/validation"
)

// Handler holds dependencies for admin handlers.
type Handler struct {
	*server.App
}

const Module = "users"

const userCols = "id, username, email, display_name, role, active, last_login, created_at"

func scanUser(row interface{ Scan(...any) error }) (models.User, error) {
	var u models.User
	var lastLogin sql.NullString
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.Role, &u.Active, &lastLogin, &u.CreatedAt)
	u.LastLogin = database.StrPtr(lastLogin)
	return u, err
}

func loadUser(ctx context.Context, q database.Querier, id int64) (models.User, error) {
	u, err := scanUser(q.QueryRowContext(ctx, "SELECT "+userCols+" FROM users WHERE id = ?", id))
	if err != nil {
		return u, fmt.Errorf("load user %d: %w", id, database.NotFound(err))
	}
	return u, nil
}

// NewUser is the input for CreateAccount.
type NewUser struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
	Role        string `json:"role"`
}

// CreateAccount validates in, hashes the password and inserts the user. The
// role defaults to seed_producer.
func CreateAccount(ctx context.Context, db database.Querier, in NewUser) (int64, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if in.Role == "" {
		in.Role = auth.RoleSeedProducer
	}
	if in.DisplayName == "" {
		in.DisplayName = in.Username
	}

	ve := &validation.ValidationErrors{}
	validation.RequireField(ve, "username", in.Username)
	validation.ValidateMaxLength(ve, "username", in.Username, 100)
	validation.ValidateMaxLength(ve, "display_name", in.DisplayName, 255)
	validation.ValidateEmail(ve, "email", in.Email)
	validation.ValidateEnum(ve, "role", in.Role, validation.ValidRoles)
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrWeakPassword) {
			return 0, err
		}
		ve.Add("password", err.Error())
	}
	if in.Username != "" {
		var n int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE username = ?", in.Username).Scan(&n); err != nil {
			return 0, err
		}
		if n > 0 {
			ve.Add("username", "already taken")
		}
	}
	if err := ve.Err(); err != nil {
		return 0, err
	}

	return database.SaveData(ctx, db, "users", 0, map[string]any{
		"username":      in.Username,
		"email":         in.Email,
		"display_name":  in.DisplayName,
		"password_hash": hash,
		"role":          in.Role,
		"active":        true,
		"created_at":    database.Now(),
	})
}

// inspectPerms are the permissions that make a user eligible for assignment.
var inspectPerms = []string{
	auth.PermApplicationsInspect, auth.PermPermitsInspect, auth.PermReturnsInspect,
	auth.PermDeclarationsInspect, auth.PermStockInspect,
}

// inspectorRoles returns the roles holding perm, or any inspect permission
// when perm is empty.
func (h *Handler) inspectorRoles(perm string) []string {
	var roles []string
	for _, role := range h.PermCache.Roles() {
		perms := h.PermCache.Permissions(role)
		if perm != "" {
			if perms[perm] {
				roles = append(roles, role)
			}
			continue
		}
		if slices.ContainsFunc(inspectPerms, func(p string) bool { return perms[p] }) {
			roles = append(roles, role)
		}
	}
	return roles
}
