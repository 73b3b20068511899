package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"xraydeck/internal/rpc"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print state-change events as they happen",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return apiClient(cmd).Events(ctx, func(ev rpc.Event) {
			fmt.Printf("%s %s\n", labelStyle.Render(time.Now().Format("15:04:05")), ev.Event)
		})
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}
