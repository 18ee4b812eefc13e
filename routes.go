package main

import (
	"net/http"
	"strconv"
	"strings"

	"agroreg/internal/auth"
	"agroreg/internal/handlers/admin"
	"agroreg/internal/handlers/applications"
	"agroreg/internal/handlers/catalog"
	"agroreg/internal/handlers/common"
	"agroreg/internal/handlers/field"
	"agroreg/internal/handlers/inventory"
	"agroreg/internal/handlers/labels"
	"agroreg/internal/handlers/permits"
	"agroreg/internal/handlers/plantingreturns"
	"agroreg/internal/handlers/quality"
	"agroreg/internal/metrics"
	"agroreg/internal/response"
	"agroreg/internal/server"
	"agroreg/internal/websocket"
)

// viewAllPerms decides which websocket events a client sees besides events
// about its own records. An empty permission means everyone.
var viewAllPerms = map[string]string{
	applications.Module:    auth.PermApplicationsViewAll,
	permits.Module:         auth.PermPermitsViewAll,
	plantingreturns.Module: auth.PermReturnsViewAll,
	field.Module:           auth.PermDeclarationsViewAll,
	inventory.Module:       auth.PermStockViewAll,
	quality.Module:         auth.PermLabsViewAll,
	labels.Module:          auth.PermLabelsViewAll,
	catalog.Module:         "",
	admin.Module:           auth.PermUsersManage,
	"settings":             auth.PermSettingsManage,
}

func acceptEvents(c *auth.Claims) func(websocket.Event) bool {
	return func(e websocket.Event) bool {
		if perm, ok := viewAllPerms[e.Entity]; ok && (perm == "" || c.Permissions[perm]) {
			return true
		}
		return e.OwnerID != 0 && e.OwnerID == c.UserID
	}
}

// isPublic lists the /api/ paths reachable without a token.
func isPublic(path string) bool {
	return path == server.LoginPath || path == "/api/v1/health"
}

// routeName collapses numeric path segments so metrics stay low-cardinality.
func routeName(r *http.Request) string {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/verify/"):
		return "/verify/:code"
	case !strings.HasPrefix(path, "/api/"):
		return path
	}
	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	for i, p := range parts {
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	if len(parts) == 6 && parts[3] == "settings" && parts[4] == "permissions" {
		parts[5] = ":role"
	}
	return strings.Join(parts, "/")
}

// reviewed is the handler set shared by applications, permits and returns.
type reviewed interface {
	Assign(http.ResponseWriter, *http.Request, string)
	Recommend(http.ResponseWriter, *http.Request, string)
	Approve(http.ResponseWriter, *http.Request, string)
	Reject(http.ResponseWriter, *http.Request, string)
	Halt(http.ResponseWriter, *http.Request, string)
	History(http.ResponseWriter, *http.Request, string)
	Get(http.ResponseWriter, *http.Request, string)
	Update(http.ResponseWriter, *http.Request, string)
	Delete(http.ResponseWriter, *http.Request, string)
	List(http.ResponseWriter, *http.Request)
	Create(http.ResponseWriter, *http.Request)
}

// routeReviewed serves the list/get/edit/review routes the three application
// style forms share. It reports false when nothing matched.
func routeReviewed(h reviewed, w http.ResponseWriter, r *http.Request, parts []string) bool {
	switch {
	case len(parts) == 1 && r.Method == "GET":
		h.List(w, r)
	case len(parts) == 1 && r.Method == "POST":
		h.Create(w, r)
	case len(parts) == 2 && r.Method == "GET":
		h.Get(w, r, parts[1])
	case len(parts) == 2 && r.Method == "PUT":
		h.Update(w, r, parts[1])
	case len(parts) == 2 && r.Method == "DELETE":
		h.Delete(w, r, parts[1])
	case len(parts) == 3 && parts[2] == "history" && r.Method == "GET":
		h.History(w, r, parts[1])
	case len(parts) == 3 && r.Method == "POST":
		switch parts[2] {
		case "assign":
			h.Assign(w, r, parts[1])
		case "recommend":
			h.Recommend(w, r, parts[1])
		case "approve":
			h.Approve(w, r, parts[1])
		case "reject":
			h.Reject(w, r, parts[1])
		case "halt":
			h.Halt(w, r, parts[1])
		default:
			return false
		}
	default:
		return false
	}
	return true
}

// newRouter builds the full handler chain.
func newRouter(app *server.App, rl *server.RateLimiter) http.Handler {
	adminH := &admin.Handler{App: app}
	appsH := &applications.Handler{App: app}
	permitsH := &permits.Handler{App: app}
	returnsH := &plantingreturns.Handler{App: app}
	fieldH := &field.Handler{App: app}
	stockH := &inventory.Handler{App: app}
	labsH := &quality.Handler{App: app}
	labelsH := &labels.Handler{App: app}
	catalogH := &catalog.Handler{App: app}
	commonH := &common.Handler{App: app}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/verify/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" {
			response.Err(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		labelsH.Verify(w, r, strings.TrimPrefix(r.URL.Path, "/verify/"))
	})

	mux.HandleFunc("/api/v1/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/v1/")
		path = strings.TrimSuffix(path, "/")
		parts := strings.Split(path, "/")

		switch {
		// Health and live events
		case path == "health" && r.Method == "GET":
			if err := app.DB.PingContext(r.Context()); err != nil {
				response.Err(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
			response.JSON(w, map[string]string{"status": "ok"})
		case path == "ws" && r.Method == "GET":
			c, ok := auth.FromContext(r.Context())
			if !ok {
				response.Error(w, app.Log, auth.ErrUnauthenticated)
				return
			}
			app.Hub.Serve(w, r, acceptEvents(c))

		// Auth
		case path == "auth/login" && r.Method == "POST":
			adminH.HandleLogin(w, r)
		case path == "auth/me" && r.Method == "GET":
			adminH.HandleMe(w, r)
		case path == "auth/password" && r.Method == "POST":
			adminH.HandleChangePassword(w, r)

		// Users
		case parts[0] == "users" && len(parts) == 1 && r.Method == "GET":
			adminH.ListUsers(w, r)
		case parts[0] == "users" && len(parts) == 1 && r.Method == "POST":
			adminH.CreateUser(w, r)
		case parts[0] == "users" && len(parts) == 2 && r.Method == "PUT":
			adminH.UpdateUser(w, r, parts[1])
		case parts[0] == "users" && len(parts) == 3 && parts[2] == "password" && r.Method == "POST":
			adminH.ResetPassword(w, r, parts[1])
		case path == "inspectors" && r.Method == "GET":
			adminH.ListInspectors(w, r)

		// Settings, audit, email
		case path == "settings/permissions" && r.Method == "GET":
			adminH.HandleListPermissions(w, r)
		case parts[0] == "settings" && len(parts) == 3 && parts[1] == "permissions" && r.Method == "GET":
			adminH.HandleGetPermissions(w, r, parts[2])
		case parts[0] == "settings" && len(parts) == 3 && parts[1] == "permissions" && r.Method == "PUT":
			adminH.HandleSetPermissions(w, r, parts[2])
		case path == "audit" && r.Method == "GET":
			adminH.HandleAuditLog(w, r)
		case path == "email-log" && r.Method == "GET":
			adminH.HandleEmailLog(w, r)

		// Dashboard and attachments
		case path == "dashboard" && r.Method == "GET":
			commonH.Dashboard(w, r)
		case parts[0] == "attachments" && len(parts) == 1 && r.Method == "GET":
			commonH.ListAttachments(w, r)
		case parts[0] == "attachments" && len(parts) == 1 && r.Method == "POST":
			commonH.UploadAttachment(w, r)
		case parts[0] == "attachments" && len(parts) == 3 && parts[2] == "download" && r.Method == "GET":
			commonH.DownloadAttachment(w, r, parts[1])
		case parts[0] == "attachments" && len(parts) == 2 && r.Method == "DELETE":
			commonH.DeleteAttachment(w, r, parts[1])

		// Catalog
		case path == "crops/export" && r.Method == "GET":
			catalogH.ExportCrops(w, r)
		case path == "crops/import" && r.Method == "POST":
			catalogH.ImportCrops(w, r)
		case parts[0] == "crops" && len(parts) == 1 && r.Method == "GET":
			catalogH.ListCrops(w, r)
		case parts[0] == "crops" && len(parts) == 1 && r.Method == "POST":
			catalogH.CreateCrop(w, r)
		case parts[0] == "crops" && len(parts) == 2 && r.Method == "GET":
			catalogH.GetCrop(w, r, parts[1])
		case parts[0] == "crops" && len(parts) == 3 && parts[2] == "varieties" && r.Method == "POST":
			catalogH.CreateVariety(w, r, parts[1])

		// SR4/SR6/QDS applications
		case parts[0] == "applications" && len(parts) == 3 && parts[2] == "receipt" && r.Method == "POST":
			appsH.UploadReceipt(w, r, parts[1])
		case parts[0] == "applications" && routeReviewed(appsH, w, r, parts):

		// Import permits
		case parts[0] == "import-permits" && len(parts) == 3 && parts[2] == "documents" && r.Method == "GET":
			permitsH.ListDocuments(w, r, parts[1])
		case parts[0] == "import-permits" && len(parts) == 3 && parts[2] == "documents" && r.Method == "POST":
			permitsH.UploadDocument(w, r, parts[1])
		case parts[0] == "import-permits" && routeReviewed(permitsH, w, r, parts):

		// SR8 planting returns
		case parts[0] == "planting-returns" && routeReviewed(returnsH, w, r, parts):

		// Crop declarations
		case parts[0] == "crop-declarations" && len(parts) == 1 && r.Method == "GET":
			fieldH.ListDeclarations(w, r)
		case parts[0] == "crop-declarations" && len(parts) == 1 && r.Method == "POST":
			fieldH.CreateDeclaration(w, r)
		case parts[0] == "crop-declarations" && len(parts) == 2 && r.Method == "GET":
			fieldH.GetDeclaration(w, r, parts[1])
		case parts[0] == "crop-declarations" && len(parts) == 2 && r.Method == "PUT":
			fieldH.UpdateDeclaration(w, r, parts[1])
		case parts[0] == "crop-declarations" && len(parts) == 3 && parts[2] == "assign" && r.Method == "POST":
			fieldH.AssignDeclaration(w, r, parts[1])
		case parts[0] == "crop-declarations" && len(parts) == 3 && parts[2] == "reject" && r.Method == "POST":
			fieldH.RejectDeclaration(w, r, parts[1])
		case parts[0] == "crop-declarations" && len(parts) == 3 && parts[2] == "halt" && r.Method == "POST":
			fieldH.HaltDeclaration(w, r, parts[1])
		case parts[0] == "crop-declarations" && len(parts) == 3 && parts[2] == "history" && r.Method == "GET":
			fieldH.DeclarationHistory(w, r, parts[1])
		case parts[0] == "crop-declarations" && len(parts) == 3 && parts[2] == "inspections" && r.Method == "GET":
			fieldH.ListInspections(w, r, parts[1])
		case parts[0] == "crop-declarations" && len(parts) == 3 && parts[2] == "inspections" && r.Method == "POST":
			fieldH.SubmitInspection(w, r, parts[1])

		// Stock examinations and stock
		case parts[0] == "stock-examinations" && len(parts) == 1 && r.Method == "GET":
			stockH.ListExaminations(w, r)
		case parts[0] == "stock-examinations" && len(parts) == 1 && r.Method == "POST":
			stockH.CreateExamination(w, r)
		case parts[0] == "stock-examinations" && len(parts) == 2 && r.Method == "GET":
			stockH.GetExamination(w, r, parts[1])
		case parts[0] == "stock-examinations" && len(parts) == 3 && parts[2] == "assign" && r.Method == "POST":
			stockH.AssignExamination(w, r, parts[1])
		case parts[0] == "stock-examinations" && len(parts) == 3 && parts[2] == "accept" && r.Method == "POST":
			stockH.AcceptExamination(w, r, parts[1])
		case parts[0] == "stock-examinations" && len(parts) == 3 && parts[2] == "reject" && r.Method == "POST":
			stockH.RejectExamination(w, r, parts[1])
		case parts[0] == "stock-examinations" && len(parts) == 3 && parts[2] == "halt" && r.Method == "POST":
			stockH.HaltExamination(w, r, parts[1])
		case parts[0] == "stock-examinations" && len(parts) == 3 && parts[2] == "history" && r.Method == "GET":
			stockH.ExaminationHistory(w, r, parts[1])
		case path == "stock/records" && r.Method == "GET":
			stockH.ListStockRecords(w, r)
		case path == "stock/marketable" && r.Method == "GET":
			stockH.ListMarketableSeeds(w, r)

		// Seed labs
		case parts[0] == "seed-labs" && len(parts) == 1 && r.Method == "GET":
			labsH.ListLabs(w, r)
		case parts[0] == "seed-labs" && len(parts) == 1 && r.Method == "POST":
			labsH.CreateLab(w, r)
		case parts[0] == "seed-labs" && len(parts) == 2 && r.Method == "GET":
			labsH.GetLab(w, r, parts[1])
		case parts[0] == "seed-labs" && len(parts) == 3 && parts[2] == "receive" && r.Method == "POST":
			labsH.ReceiveLab(w, r, parts[1])
		case parts[0] == "seed-labs" && len(parts) == 3 && parts[2] == "test" && r.Method == "POST":
			labsH.SubmitTest(w, r, parts[1])
		case parts[0] == "seed-labs" && len(parts) == 3 && parts[2] == "decide" && r.Method == "POST":
			labsH.Decide(w, r, parts[1])
		case parts[0] == "seed-labs" && len(parts) == 3 && parts[2] == "reject" && r.Method == "POST":
			labsH.RejectLab(w, r, parts[1])
		case parts[0] == "seed-labs" && len(parts) == 3 && parts[2] == "history" && r.Method == "GET":
			labsH.LabHistory(w, r, parts[1])

		// Seed labels
		case parts[0] == "seed-labels" && len(parts) == 1 && r.Method == "GET":
			labelsH.ListLabels(w, r)
		case parts[0] == "seed-labels" && len(parts) == 1 && r.Method == "POST":
			labelsH.CreateLabel(w, r)
		case parts[0] == "seed-labels" && len(parts) == 2 && r.Method == "GET":
			labelsH.GetLabel(w, r, parts[1])
		case parts[0] == "seed-labels" && len(parts) == 3 && parts[2] == "approve" && r.Method == "POST":
			labelsH.ApproveLabel(w, r, parts[1])
		case parts[0] == "seed-labels" && len(parts) == 3 && parts[2] == "print" && r.Method == "POST":
			labelsH.PrintLabel(w, r, parts[1])
		case parts[0] == "seed-labels" && len(parts) == 3 && parts[2] == "reject" && r.Method == "POST":
			labelsH.RejectLabel(w, r, parts[1])
		case parts[0] == "seed-labels" && len(parts) == 3 && parts[2] == "codes" && r.Method == "GET":
			labelsH.ListCodes(w, r, parts[1])
		case parts[0] == "seed-labels" && len(parts) == 3 && parts[2] == "history" && r.Method == "GET":
			labelsH.LabelHistory(w, r, parts[1])

		default:
			response.Err(w, "not found", http.StatusNotFound)
		}
	})

	return server.Chain(mux,
		server.Recover(app.Log),
		server.LoggingMiddleware(app.Log, routeName),
		server.SecurityHeaders,
		server.RateLimitMiddleware(rl),
		server.RequireAuth(app.Tokens, app.DB, isPublic),
		server.GzipMiddleware,
	)
}
