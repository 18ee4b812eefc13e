package auth

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"agroreg/internal/database"
)

// Flat permission names carried in the token's permission map.
const (
	PermApplicationsViewAll = "applications.view_all"
	PermApplicationsCreate  = "applications.create"
	PermApplicationsAssign  = "applications.assign"
	PermApplicationsInspect = "applications.inspect"
	PermApplicationsApprove = "applications.approve"

	PermPermitsViewAll = "permits.view_all"
	PermPermitsCreate  = "permits.create"
	PermPermitsAssign  = "permits.assign"
	PermPermitsInspect = "permits.inspect"
	PermPermitsApprove = "permits.approve"

	PermReturnsViewAll = "planting_returns.view_all"
	PermReturnsCreate  = "planting_returns.create"
	PermReturnsAssign  = "planting_returns.assign"
	PermReturnsInspect = "planting_returns.inspect"
	PermReturnsApprove = "planting_returns.approve"

	PermDeclarationsViewAll = "crop_declarations.view_all"
	PermDeclarationsCreate  = "crop_declarations.create"
	PermDeclarationsAssign  = "crop_declarations.assign"
	PermDeclarationsInspect = "crop_declarations.inspect"
	PermDeclarationsApprove = "crop_declarations.approve"

	PermStockViewAll = "stock.view_all"
	PermStockCreate  = "stock.create"
	PermStockAssign  = "stock.assign"
	PermStockInspect = "stock.inspect"
	PermStockApprove = "stock.approve"

	PermLabsViewAll = "labs.view_all"
	PermLabsCreate  = "labs.create"
	PermLabsReceive = "labs.receive"
	PermLabsTest    = "labs.test"
	PermLabsDecide  = "labs.decide"

	PermLabelsViewAll = "labels.view_all"
	PermLabelsCreate  = "labels.create"
	PermLabelsApprove = "labels.approve"
	PermLabelsPrint   = "labels.print"

	PermCatalogManage  = "catalog.manage"
	PermUsersManage    = "users.manage"
	PermSettingsManage = "settings.manage"
	PermReportsView    = "reports.view"
)

// AllPermissions lists every known permission.
var AllPermissions = []string{
	PermApplicationsViewAll, PermApplicationsCreate, PermApplicationsAssign, PermApplicationsInspect, PermApplicationsApprove,
	PermPermitsViewAll, PermPermitsCreate, PermPermitsAssign, PermPermitsInspect, PermPermitsApprove,
	PermReturnsViewAll, PermReturnsCreate, PermReturnsAssign, PermReturnsInspect, PermReturnsApprove,
	PermDeclarationsViewAll, PermDeclarationsCreate, PermDeclarationsAssign, PermDeclarationsInspect, PermDeclarationsApprove,
	PermStockViewAll, PermStockCreate, PermStockAssign, PermStockInspect, PermStockApprove,
	PermLabsViewAll, PermLabsCreate, PermLabsReceive, PermLabsTest, PermLabsDecide,
	PermLabelsViewAll, PermLabelsCreate, PermLabelsApprove, PermLabelsPrint,
	PermCatalogManage, PermUsersManage, PermSettingsManage, PermReportsView,
}

// Roles.
const (
	RoleAdmin          = "admin"
	RoleQualityOfficer = "quality_officer"
	RoleInspector      = "inspector"
	RoleLabTechnician  = "lab_technician"
	RoleSeedProducer   = "seed_producer"
)

//go:embed roles.yaml
var defaultRolesYAML []byte

// DefaultRoles returns the built-in role → permission list with "*" expanded.
func DefaultRoles() (map[string][]string, error) {
	var raw map[string][]string
	if err := yaml.Unmarshal(defaultRolesYAML, &raw); err != nil {
		return nil, fmt.Errorf("parse default roles: %w", err)
	}
	out := make(map[string][]string, len(raw))
	for role, perms := range raw {
		var expanded []string
		for _, p := range perms {
			if p == "*" {
				expanded = append(expanded, AllPermissions...)
				continue
			}
			expanded = append(expanded, p)
		}
		out[role] = expanded
	}
	return out, nil
}

// IsKnownPermission reports whether p is one of AllPermissions.
func IsKnownPermission(p string) bool {
	for _, k := range AllPermissions {
		if k == p {
			return true
		}
	}
	return false
}

// PermCache caches role → permission set for token issuing.
type PermCache struct {
	sync.RWMutex
	data    map[string]map[string]bool
	updated time.Time
}

// NewPermCache creates an empty cache.
func NewPermCache() *PermCache {
	return &PermCache{data: make(map[string]map[string]bool)}
}

// Refresh reloads every role_permissions row.
func (pc *PermCache) Refresh(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "SELECT role, permission FROM role_permissions")
	if err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}
	defer rows.Close()

	data := make(map[string]map[string]bool)
	for rows.Next() {
		var role, perm string
		if err := rows.Scan(&role, &perm); err != nil {
			return fmt.Errorf("scan permission: %w", err)
		}
		if data[role] == nil {
			data[role] = make(map[string]bool)
		}
		data[role][perm] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	pc.Lock()
	pc.data = data
	pc.updated = time.Now()
	pc.Unlock()
	return nil
}

// Permissions returns a copy of the role's permission map.
func (pc *PermCache) Permissions(role string) map[string]bool {
	pc.RLock()
	defer pc.RUnlock()
	out := make(map[string]bool, len(pc.data[role]))
	for p := range pc.data[role] {
		out[p] = true
	}
	return out
}

// List returns the role's permissions sorted by name.
func (pc *PermCache) List(role string) []string {
	perms := pc.Permissions(role)
	out := make([]string, 0, len(perms))
	for p := range perms {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Roles returns every role with at least one permission.
func (pc *PermCache) Roles() []string {
	pc.RLock()
	defer pc.RUnlock()
	out := make([]string, 0, len(pc.data))
	for r := range pc.data {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// SeedDefaultPermissions inserts the built-in permissions for roles that have
// none yet, then refreshes the cache.
func SeedDefaultPermissions(ctx context.Context, db *sql.DB, d database.Dialect, pc *PermCache) error {
	roles, err := DefaultRoles()
	if err != nil {
		return err
	}
	err = database.WithTx(ctx, db, func(tx *sql.Tx) error {
		for role, perms := range roles {
			var n int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM role_permissions WHERE role = ?", role).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			for _, p := range perms {
				if _, err := tx.ExecContext(ctx, d.InsertIgnore()+" role_permissions (role, permission) VALUES (?, ?)", role, p); err != nil {
					return fmt.Errorf("seed %s/%s: %w", role, p, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return pc.Refresh(ctx, db)
}

// SetRolePermissions replaces a role's permissions.
func SetRolePermissions(ctx context.Context, db *sql.DB, pc *PermCache, role string, perms []string) error {
	seen := make(map[string]bool, len(perms))
	unique := perms[:0:0]
	for _, p := range perms {
		if !IsKnownPermission(p) {
			return fmt.Errorf("unknown permission %q", p)
		}
		if !seen[p] {
			seen[p] = true
			unique = append(unique, p)
		}
	}
	perms = unique
	err := database.WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM role_permissions WHERE role = ?", role); err != nil {
			return err
		}
		for _, p := range perms {
			if _, err := tx.ExecContext(ctx, "INSERT INTO role_permissions (role, permission) VALUES (?, ?)", role, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return pc.Refresh(ctx, db)
}
