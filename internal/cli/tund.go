package cli

import (
	"context"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"xraydeck/internal/core/tun"
	"xraydeck/internal/logger"
)

// tundCmd is a hidden internal command started by the backend when TUN mode
// connects. It owns the TUN device and tun2socks engine for the lifetime of
// the connection. Its stderr is redirected to tund.log by the parent.
var tundCmd = &cobra.Command{
	Use:    "tund",
	Short:  "Internal TUN daemon (not for direct use)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		socksPort, _ := cmd.Flags().GetInt("socks-port")
		device, _ := cmd.Flags().GetString("device")
		mtu, _ := cmd.Flags().GetInt("mtu")
		metric, _ := cmd.Flags().GetInt("metric")
		stateFile, _ := cmd.Flags().GetString("state-file")
		bypass, _ := cmd.Flags().GetStringArray("bypass")
		level, _ := cmd.Flags().GetString("log-level")
		if level == "" {
			level = "info"
		}

		log, err := logger.New(level, "", "")
		if err != nil {
			return err
		}
		defer log.Sync()

		// RunDaemon handles SIGTERM and SIGINT itself.
		return tun.RunDaemon(context.Background(), tun.Config{
			DeviceName: device,
			MTU:        mtu,
			SOCKSAddr:  net.JoinHostPort("127.0.0.1", strconv.Itoa(socksPort)),
			Bypass:     bypass,
			Metric:     metric,
			StateFile:  stateFile,
		}, log)
	},
}

func init() {
	tundCmd.Flags().Int("socks-port", 10808, "SOCKS5 proxy port")
	tundCmd.Flags().String("device", tun.DefaultDevice, "TUN device name")
	tundCmd.Flags().Int("mtu", tun.DefaultMTU, "TUN device MTU")
	tundCmd.Flags().Int("metric", tun.DefaultMetric, "metric of the overlay routes")
	tundCmd.Flags().String("state-file", "", "file written once routes are in place")
	tundCmd.Flags().StringArray("bypass", nil, "addresses to bypass TUN routing (repeatable)")
	tundCmd.MarkFlagRequired("state-file")
	rootCmd.AddCommand(tundCmd)
}
