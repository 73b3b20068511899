package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"xraydeck/internal/rpc"
	"xraydeck/internal/session"
)

const callTimeout = 60 * time.Second

// apiClient connects to --api, or to the address in config.yaml.
func apiClient(cmd *cobra.Command) *rpc.Client {
	addr, _ := cmd.Flags().GetString("api")
	if addr == "" {
		if cfg, err := loadConfig(cmd); err == nil {
			addr = cfg.API.Addr
		}
	}
	if addr == "" {
		addr = "127.0.0.1:10880"
	}
	return rpc.NewClient(addr)
}

// call runs method against the backend and decodes into out.
func call(cmd *cobra.Command, method string, args, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := apiClient(cmd).Call(ctx, method, args, out); err != nil {
		return fmt.Errorf("%s: %w (is \"xraydeck serve\" running?)", method, err)
	}
	return nil
}

// failed turns an unsuccessful operation result into an error.
func failed(f session.Failure) error {
	if f.ErrorCode != "" {
		return fmt.Errorf("%s [%s]", f.Error, f.ErrorCode)
	}
	if f.Error != "" {
		return fmt.Errorf("%s", f.Error)
	}
	return fmt.Errorf("operation failed")
}
