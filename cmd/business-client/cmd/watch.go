package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-business-server/internal/client"
	"github.com/sirosfoundation/go-business-server/internal/protocol"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print org, wallet and user updates until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		c, err := connect(dialCtx)
		cancel()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		out := cmd.OutOrStdout()
		fmt.Fprintf(cmd.ErrOrStderr(), "watching as %s, press Ctrl-C to stop\n", c.Connected.Email)
		for {
			select {
			case <-ctx.Done():
				return nil
			case n, ok := <-c.Notifications():
				if !ok {
					if err := c.Err(); err != nil && !errors.Is(err, client.ErrClosed) {
						return err
					}
					return nil
				}
				if err := printNotification(out, n); err != nil {
					return err
				}
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func printNotification(w io.Writer, n protocol.Response) error {
	if output == "json" {
		return printJSON(w, map[string]any{"type": n.Type(), "payload": n})
	}
	switch r := n.(type) {
	case *protocol.OrgResponse:
		_, err := fmt.Fprintf(w, "org     %s %q wallets=%d\n", r.Org.ID, r.Org.Name, len(r.Org.Wallets))
		return err
	case *protocol.WalletResponse:
		_, err := fmt.Fprintf(w, "wallet  %s %q status=%s version=%d\n", r.Wallet.ID, r.Wallet.Alias, r.Wallet.Status, r.Wallet.Version)
		return err
	case *protocol.UserResponse:
		_, err := fmt.Fprintf(w, "user    %s %s\n", r.User.ID, r.User.Email)
		return err
	default:
		_, err := fmt.Fprintf(w, "%s\n", n.Type())
		return err
	}
}
