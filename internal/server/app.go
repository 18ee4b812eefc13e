package server

import (
	"database/sql"

	"go.uber.org/zap"

	"agroreg/internal/audit"
	"agroreg/internal/auth"
	"agroreg/internal/blob"
	"agroreg/internal/config"
	"agroreg/internal/database"
	"agroreg/internal/notify"
	"agroreg/internal/websocket"
)

// App holds shared dependencies for the application.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Dialect   database.Dialect
	Log       *zap.Logger
	Hub       *websocket.Hub
	PermCache *auth.PermCache
	Tokens    *auth.TokenIssuer
	Audit     *audit.Logger
	Mailer    *notify.Mailer
	Blobs     blob.Store
}
