package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agroreg/internal/audit"
	"agroreg/internal/auth"
	"agroreg/internal/blob"
	"agroreg/internal/config"
	"agroreg/internal/database"
	"agroreg/internal/handlers/admin"
	"agroreg/internal/handlers/catalog"
	"agroreg/internal/logging"
	"agroreg/internal/notify"
	"agroreg/internal/server"
	"agroreg/internal/websocket"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:          "agroreg",
		Short:        "Seed certification and regulatory back end",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default ./agroreg.yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cfgPath)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or upgrade the database schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmd.Context(), cfgPath, func(ctx context.Context, cfg *config.Config, db *sql.DB, d database.Dialect) error {
					fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", cfg.Database.Driver)
					return nil
				})
			},
		},
		newCreateUserCmd(&cfgPath),
		newImportCropsCmd(&cfgPath),
	)
	return root
}

func newCreateUserCmd(cfgPath *string) *cobra.Command {
	var in admin.NewUser
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a user account, typically the first administrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), *cfgPath, func(ctx context.Context, _ *config.Config, db *sql.DB, _ database.Dialect) error {
				id, err := admin.CreateAccount(ctx, db, in)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created user %s (id %d)\n", in.Username, id)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.Username, "username", "", "login name")
	f.StringVar(&in.Email, "email", "", "email address")
	f.StringVar(&in.Password, "password", "", "initial password")
	f.StringVar(&in.Role, "role", auth.RoleAdmin, "role")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newImportCropsCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import-crops <file.xlsx>",
		Short: "Merge crops and varieties from a workbook into the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return withDB(cmd.Context(), *cfgPath, func(ctx context.Context, _ *config.Config, db *sql.DB, d database.Dialect) error {
				res, err := catalog.ImportWorkbook(ctx, db, d, f)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "crops created %d, updated %d, varieties added %d\n", res.CropsCreated, res.CropsUpdated, res.VarietiesAdded)
				for _, s := range res.Skipped {
					fmt.Fprintln(out, "skipped:", s)
				}
				return nil
			})
		},
	}
}

// withDB opens and migrates the configured database for one-shot commands.
func withDB(ctx context.Context, cfgPath string, fn func(context.Context, *config.Config, *sql.DB, database.Dialect) error) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	db, d, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(ctx, db, d); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return fn(ctx, cfg, db, d)
}

func runServe(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, dialect, err := database.Open(cfg.Database)
	if err != nil {
		log.Error("open database", zap.Error(err))
		return err
	}
	defer db.Close()
	if err := database.Migrate(ctx, db, dialect); err != nil {
		log.Error("migrate database", zap.Error(err))
		return err
	}
	perms := auth.NewPermCache()
	if err := auth.SeedDefaultPermissions(ctx, db, dialect, perms); err != nil {
		log.Error("seed permissions", zap.Error(err))
		return err
	}
	blobs, err := blob.Open(ctx, cfg.Storage)
	if err != nil {
		log.Error("open storage", zap.Error(err))
		return err
	}

	hub := websocket.NewHub(log)
	app := &server.App{
		Config:    cfg,
		DB:        db,
		Dialect:   dialect,
		Log:       log,
		Hub:       hub,
		PermCache: perms,
		Tokens:    auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.Issuer),
		Audit:     audit.New(db, hub, log),
		Mailer:    notify.New(cfg.SMTP, db, log),
		Blobs:     blobs,
	}
	rl := server.NewRateLimiter()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newRouter(app, rl),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("db", cfg.Database.Driver),
			zap.String("storage", cfg.Storage.Driver),
			zap.Bool("smtp", app.Mailer.Enabled()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return app.Mailer.Run(gctx) })
	g.Go(func() error { return rl.Run(gctx) })
	if cfg.AuditRetentionDays > 0 {
		g.Go(func() error { return pruneAudit(gctx, app, cfg.AuditRetentionDays) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped", zap.Error(err))
		return err
	}
	return nil
}

// pruneAudit drops audit entries older than days, once at startup and then daily.
func pruneAudit(ctx context.Context, app *server.App, days int) error {
	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()
	for {
		n, err := app.Audit.Cleanup(ctx, days)
		if err != nil {
			app.Log.Warn("audit cleanup", zap.Error(err))
		} else if n > 0 {
			app.Log.Info("audit cleanup", zap.Int64("deleted", n), zap.Int("retention_days", days))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
