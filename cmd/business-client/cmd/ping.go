package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-business-server/internal/client"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Connect, ping the server and show its clock",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			start := time.Now()
			if err := c.Ping(ctx); err != nil {
				return err
			}
			rtt := time.Since(start)

			now, err := c.ServerTime(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output == "json" {
				return printJSON(out, map[string]any{
					"email":       c.Connected.Email,
					"role":        c.Connected.Role,
					"rtt_ms":      rtt.Milliseconds(),
					"server_time": now.Unix(),
				})
			}
			fmt.Fprintf(out, "connected as %s (%s)\n", c.Connected.Email, c.Connected.Role)
			fmt.Fprintf(out, "pong in %s\n", rtt.Round(time.Microsecond))
			fmt.Fprintf(out, "server time %s (skew %s)\n", now.UTC().Format(time.RFC3339), time.Since(now).Round(time.Second))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
