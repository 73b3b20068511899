package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"xraydeck/internal/app"
)

var version = "dev"

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "xraydeck",
	Short: "VLESS proxy backend for the Steam Deck",
	Long: `xraydeck runs Xray-core for one VLESS server and controls it.

  "xraydeck serve" is the backend the Decky plugin talks to. Every other
  command is a thin client of the running backend's control API.

  Quick start:
    xraydeck import "vless://uuid@host:443?security=reality&..."
    xraydeck connect
    xraydeck status`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("db", "", "database path")
	rootCmd.PersistentFlags().String("api", "", "control API address of the running backend")

	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the file named by --config or the default location.
func loadConfig(cmd *cobra.Command) (app.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		var err error
		if path, err = app.DefaultConfigPath(); err != nil {
			return app.Config{}, err
		}
	}
	return app.LoadConfig(path)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("xraydeck %s\n", version)
	},
}
