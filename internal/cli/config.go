package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"xraydeck/internal/session"
)

var importCmd = &cobra.Command{
	Use:   "import <vless-link|subscription-url|subscription-content>",
	Short: "Import the server configuration",
	Long: `Import a vless:// link, a subscription URL or pasted subscription
content. The first valid entry of a subscription is used. The stored
configuration is replaced only when the new one is valid.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res session.ImportResult
		if err := call(cmd, "import_vless_config", map[string]string{"url": args[0]}, &res); err != nil {
			return err
		}
		if !res.Success {
			return failed(res.Failure)
		}
		fmt.Println(successStyle.Render("✓ Imported"))
		printConfig(res.Config)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show, validate or remove the stored configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var res session.ConfigResult
		if err := call(cmd, "get_vless_config", nil, &res); err != nil {
			return err
		}
		if !res.Exists {
			fmt.Println("No configuration stored. Use 'xraydeck import' first.")
			return nil
		}
		printConfig(res.Config)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Re-validate the stored configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var res session.ValidateResult
		if err := call(cmd, "validate_vless_config", nil, &res); err != nil {
			return err
		}
		if !res.IsValid {
			return failed(res.Failure)
		}
		fmt.Println(successStyle.Render("✓ Configuration is valid"))
		return nil
	},
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the stored configuration",
	Long:  "Delete the stored configuration. Refused while connecting, connected or blocked.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var res session.ResetResult
		if err := call(cmd, "reset_vless_config", nil, &res); err != nil {
			return err
		}
		if !res.Success {
			return failed(res.Failure)
		}
		fmt.Println(successStyle.Render("✓ Configuration removed"))
		return nil
	},
}

var configRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Download the subscription again",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var res session.RefreshResult
		if err := call(cmd, "refresh_subscription", nil, &res); err != nil {
			return err
		}
		if !res.Success {
			return failed(res.Failure)
		}
		if res.Changed {
			fmt.Println(successStyle.Render("✓ Subscription refreshed with a new server"))
			printConfig(res.Config)
		} else {
			fmt.Println("Subscription unchanged.")
		}
		return nil
	},
}

var latencyCmd = &cobra.Command{
	Use:   "latency",
	Short: "Measure latency to the stored server",
	Long: `Measure latency to the stored server. The tcp strategy times a TCP
handshake with the server; the http strategy fetches a 204 page through the
running proxy and needs an active connection.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		var res session.LatencyResult
		if err := call(cmd, "test_latency", map[string]string{"strategy": strategy}, &res); err != nil {
			return err
		}
		if !res.Success || res.LatencyMS == nil {
			return failed(res.Failure)
		}
		fmt.Printf("%s %s\n", successStyle.Render(fmt.Sprintf("%d ms", *res.LatencyMS)), labelStyle.Render("("+res.Strategy+")"))
		return nil
	},
}

func printConfig(c *session.ConfigView) {
	if c == nil {
		return
	}
	lines := []string{titleStyle.Render(orDash(c.Name))}
	lines = append(lines,
		row("Address", c.Address+":"+strconv.Itoa(c.Port)),
		row("Type", c.ConfigType),
		row("Security", orDash(c.Security)),
		row("Network", orDash(c.Network)),
	)
	if c.Reality != nil {
		lines = append(lines, row("SNI", orDash(c.Reality.ServerName)))
	}
	if c.Flow != "" {
		lines = append(lines, row("Flow", c.Flow))
	}
	if c.SourceURL != "" && c.ConfigType == "subscription" {
		lines = append(lines, row("Source", c.SourceURL))
	}
	if c.Link != "" {
		lines = append(lines, row("Link", c.Link))
	}
	lines = append(lines, row("Imported", time.Unix(c.ImportedAt, 0).Format(time.RFC3339)))
	if c.IsValid {
		lines = append(lines, row("Valid", successStyle.Render("yes")))
	} else {
		lines = append(lines, row("Valid", errorStyle.Render("no")+" "+c.ValidationError))
	}
	fmt.Println(cardStyle.Render(strings.Join(lines, "\n")))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	latencyCmd.Flags().StringP("strategy", "s", "tcp", "latency strategy (tcp, http)")
	latencyCmd.RegisterFlagCompletionFunc("strategy", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"tcp", "http"}, cobra.ShellCompDirectiveNoFileComp
	})

	configCmd.AddCommand(configShowCmd, configValidateCmd, configResetCmd, configRefreshCmd)
	rootCmd.AddCommand(importCmd, configCmd, latencyCmd)
}
