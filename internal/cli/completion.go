package cli

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// completeMethods completes control API method names from the running
// backend.
func completeMethods(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	methods, err := apiClient(cmd).Methods(ctx)
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	var completions []string
	for _, m := range methods {
		if strings.HasPrefix(m, strings.ToLower(toComplete)) {
			completions = append(completions, m)
		}
	}
	return completions, cobra.ShellCompDirectiveNoFileComp
}
