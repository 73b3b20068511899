package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"xraydeck/internal/session"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to the stored server",
	Long: `Connect to the stored server. TUN mode is used when enabled with
'xraydeck tun on', otherwise only the local SOCKS and HTTP proxies run.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleConnection(cmd, true)
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Stop the connection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleConnection(cmd, false)
	},
}

func toggleConnection(cmd *cobra.Command, enable bool) error {
	var res session.ToggleConnectionResult
	if err := call(cmd, "toggle_connection", map[string]bool{"enable": enable}, &res); err != nil {
		return err
	}
	if !res.Success {
		return failed(res.Failure)
	}
	fmt.Println(pill(res.Status))
	if res.ProcessID > 0 {
		fmt.Println(row("PID", strconv.Itoa(res.ProcessID)))
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			conn  session.ConnectionStatus
			tun   session.TunStatus
			ks    session.KillSwitchStatus
			proxy session.SystemProxyStatus
		)
		if err := call(cmd, "get_connection_status", nil, &conn); err != nil {
			return err
		}
		if err := call(cmd, "get_tun_mode_status", nil, &tun); err != nil {
			return err
		}
		if err := call(cmd, "get_kill_switch_status", nil, &ks); err != nil {
			return err
		}
		if err := call(cmd, "get_system_proxy_status", nil, &proxy); err != nil {
			return err
		}

		lines := []string{pill(conn.Status)}
		if conn.ProcessID > 0 {
			lines = append(lines, row("PID", strconv.Itoa(conn.ProcessID)))
		}
		if conn.ConnectedAt != nil {
			lines = append(lines, row("Connected", time.Unix(*conn.ConnectedAt, 0).Format(time.RFC3339)))
		}
		if conn.Uptime != nil {
			lines = append(lines, row("Uptime", (time.Duration(*conn.Uptime)*time.Second).String()))
		}
		if conn.ErrorMessage != "" {
			lines = append(lines, row("Error", errorStyle.Render(conn.ErrorMessage)+" ["+conn.ErrorCode+"]"))
		}

		mode := "proxy"
		if tun.Enabled {
			mode = "tun"
		}
		if tun.IsActive {
			mode += " (" + tun.TunInterface + " up)"
		}
		lines = append(lines, row("Mode", mode))
		lines = append(lines, row("Kill switch", killSwitchText(ks)))
		if proxy.Enabled {
			lines = append(lines, row("System proxy", fmt.Sprintf("socks %d, http %d", proxy.SOCKSPort, proxy.HTTPPort)))
		}

		if conn.Status == session.StatusConnected {
			var stats session.TrafficStats
			if err := call(cmd, "get_traffic_stats", nil, &stats); err == nil && stats.Error == "" {
				lines = append(lines, row("Traffic", fmt.Sprintf("↑ %s (%s/s)  ↓ %s (%s/s)",
					bytesText(stats.TotalUpload), bytesText(stats.UploadSpeed),
					bytesText(stats.TotalDownload), bytesText(stats.DownloadSpeed))))
			}
		}

		fmt.Println(cardStyle.Render(strings.Join(lines, "\n")))
		if conn.Status == session.StatusBlocked {
			fmt.Println(warningStyle.Render("Traffic is blocked. Run 'xraydeck killswitch deactivate' or reconnect."))
		}
		if ks.Warning != "" {
			fmt.Println(warningStyle.Render(ks.Warning))
		}
		return nil
	},
}

func killSwitchText(ks session.KillSwitchStatus) string {
	switch {
	case ks.IsActive:
		return errorStyle.Render("blocking")
	case ks.Enabled:
		return successStyle.Render("armed on failure")
	}
	return "off"
}

func bytesText(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

var tunCmd = &cobra.Command{
	Use:       "tun on|off|check",
	Short:     "Enable or disable TUN mode, or check privileges",
	Long:      "Enable or disable TUN mode. The change applies on the next connect.",
	ValidArgs: []string{"on", "off", "check"},
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] == "check" {
			var res session.PrivilegesResult
			if err := call(cmd, "check_tun_privileges", nil, &res); err != nil {
				return err
			}
			if !res.HasPrivileges {
				return fmt.Errorf("insufficient privileges: %s", res.Error)
			}
			fmt.Println(successStyle.Render("✓ TUN mode is available"))
			return nil
		}

		var res session.ToggleTunResult
		if err := call(cmd, "toggle_tun_mode", map[string]bool{"enabled": args[0] == "on"}, &res); err != nil {
			return err
		}
		if !res.Success {
			return failed(res.Failure)
		}
		fmt.Printf("TUN mode %s (applies on next connect)\n", onOff(res.Enabled))
		return nil
	},
}

var killSwitchCmd = &cobra.Command{
	Use:       "killswitch on|off|deactivate|status",
	Short:     "Control the kill switch",
	Long: `Control the kill switch. When on, an unexpected proxy exit blocks all
traffic except to the proxy server until it is deactivated or the proxy
reconnects. 'off' also lifts an active block.`,
	ValidArgs: []string{"on", "off", "deactivate", "status"},
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "deactivate":
			var res session.DeactivateResult
			if err := call(cmd, "deactivate_kill_switch", nil, &res); err != nil {
				return err
			}
			if !res.Success {
				return failed(res.Failure)
			}
			fmt.Println(successStyle.Render("✓ Traffic unblocked"))
		case "status":
			var res session.KillSwitchStatus
			if err := call(cmd, "get_kill_switch_status", nil, &res); err != nil {
				return err
			}
			fmt.Println(row("Kill switch", killSwitchText(res)))
			if res.ActivatedAt != nil {
				fmt.Println(row("Since", time.Unix(*res.ActivatedAt, 0).Format(time.RFC3339)))
			}
			if res.Warning != "" {
				fmt.Println(warningStyle.Render(res.Warning))
			}
		default:
			var res session.ToggleKillSwitchResult
			if err := call(cmd, "toggle_kill_switch", map[string]bool{"enabled": args[0] == "on"}, &res); err != nil {
				return err
			}
			if !res.Success {
				return failed(res.Failure)
			}
			fmt.Printf("Kill switch %s\n", onOff(res.Enabled))
		}
		return nil
	},
}

var proxyCmd = &cobra.Command{
	Use:       "proxy on|off",
	Short:     "Point desktop applications at the local proxy",
	ValidArgs: []string{"on", "off"},
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res session.ToggleProxyResult
		if err := call(cmd, "toggle_system_proxy", map[string]bool{"enabled": args[0] == "on"}, &res); err != nil {
			return err
		}
		if !res.Success {
			return failed(res.Failure)
		}
		fmt.Printf("System proxy %s\n", onOff(res.Enabled))
		return nil
	},
}

func onOff(b bool) string {
	if b {
		return successStyle.Render("on")
	}
	return "off"
}

func init() {
	rootCmd.AddCommand(connectCmd, disconnectCmd, statusCmd, tunCmd, killSwitchCmd, proxyCmd)
}
