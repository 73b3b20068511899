package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"xraydeck/internal/app"
	"xraydeck/internal/logger"
	"xraydeck/internal/paths"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backend",
	Long: `Run the backend: the control API on localhost, the LAN import page and
the background jobs. Connection state left by a previous run is cleaned up
first. Stops on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			cfg.LogLevel = level
		}
		if addr, _ := cmd.Flags().GetString("api"); addr != "" {
			cfg.API.Addr = addr
		}
		if noImport, _ := cmd.Flags().GetBool("no-import"); noImport {
			cfg.Import.Enabled = false
		}

		logDir, err := paths.LogDir()
		if err != nil {
			return fmt.Errorf("failed to resolve log directory: %w", err)
		}
		log, err := logger.New(cfg.LogLevel, logDir, "xraydeck.log")
		if err != nil {
			return err
		}
		defer log.Sync()

		dbPath, _ := cmd.Flags().GetString("db")
		a, err := app.New(cfg, app.Options{DBPath: dbPath}, log)
		if err != nil {
			log.Error("failed to initialize backend", zap.Error(err))
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Info("xraydeck starting", zap.String("version", version), zap.String("api", cfg.API.Addr))
		return a.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().Bool("no-import", false, "do not serve the LAN import page")
	rootCmd.AddCommand(serveCmd)
}
