package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call <method> [json-args]",
	Short: "Invoke a control API method and print the raw JSON result",
	Example: `  xraydeck call get_connection_status
  xraydeck call toggle_kill_switch '{"enabled": true}'`,
	Args:              cobra.RangeArgs(1, 2),
	ValidArgsFunction: completeMethods,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := []byte("{}")
		if len(args) == 2 {
			body = []byte(args[1])
			if !json.Valid(body) {
				return fmt.Errorf("arguments are not valid JSON")
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		out, err := apiClient(cmd).CallRaw(ctx, args[0], body)
		if err != nil {
			return err
		}

		var pretty bytes.Buffer
		if err := json.Indent(&pretty, out, "", "  "); err != nil {
			os.Stdout.Write(out)
			return nil
		}
		pretty.WriteByte('\n')
		pretty.WriteTo(os.Stdout)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
}
