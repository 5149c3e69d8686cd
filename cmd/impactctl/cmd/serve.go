package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/impact/internal/server"
	"github.com/hugo-lorenzo-mato/impact/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the report index over HTTP",
	Long: `Start a read-only JSON API over the reports indexed with 'impactctl ingest'.

Endpoints:
  GET /healthz
  GET /api/reports?identifier=<id>&crashed=true&limit=<n>
  GET /api/reports/{id}

Examples:
  impactctl serve
  impactctl serve --addr 0.0.0.0:9000 --db /var/lib/impact/reports.db`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "address to listen on (default: server.addr from config)")
	serveCmd.Flags().String("db", "", "index database (default: store.path from config)")
	serveCmd.Flags().StringSlice("cors-origin", nil, "allowed CORS origin (repeatable)")

	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("store.path", serveCmd.Flags().Lookup("db"))
	_ = viper.BindPFlag("server.cors_origins", serveCmd.Flags().Lookup("cors-origin"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger().WithComponent("server")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to close store", slog.String("error", err.Error()))
		}
	}()
	logger.Info("store opened", slog.String("path", st.Path()))

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = cfg.Server.Addr
	srvCfg.CORSOrigins = cfg.Server.CORSOrigins
	srv, err := server.New(srvCfg, st, logger.Logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
