package cmd

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-business-server/internal/client"
	"github.com/sirosfoundation/go-business-server/internal/domain"
)

var fetchOrgCmd = &cobra.Command{
	Use:   "fetch-org <org-id>",
	Short: "Show an organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			org, err := c.FetchOrg(ctx, id)
			if err != nil {
				return err
			}
			return printOrg(cmd.OutOrStdout(), org)
		})
	},
}

var fetchWalletCmd = &cobra.Command{
	Use:   "fetch-wallet <wallet-id>",
	Short: "Show a wallet and its policy template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			w, err := c.FetchWallet(ctx, id)
			if err != nil {
				return err
			}
			return printWallet(cmd.OutOrStdout(), w)
		})
	},
}

var fetchUserCmd = &cobra.Command{
	Use:   "fetch-user [user-id]",
	Short: "Show a user; defaults to the token's own user",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			id := c.Connected.UserID
			if len(args) == 1 {
				var err error
				if id, err = parseID(args[0]); err != nil {
					return err
				}
			}
			u, err := c.FetchUser(ctx, id)
			if err != nil {
				return err
			}
			return printUser(cmd.OutOrStdout(), u)
		})
	},
}

func init() {
	rootCmd.AddCommand(fetchOrgCmd, fetchWalletCmd, fetchUserCmd)
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}

func printOrg(w io.Writer, org *domain.Org) error {
	if output == "json" {
		return printJSON(w, org)
	}
	fmt.Fprintf(w, "%s (%s)\n\n", org.Name, org.ID)
	rows := make([][]string, 0, len(org.Wallets))
	for _, id := range org.Wallets {
		rows = append(rows, []string{id.String()})
	}
	printTable(w, []string{"WALLET ID"}, rows)
	return nil
}

func printWallet(w io.Writer, wallet *domain.Wallet) error {
	if output == "json" {
		return printJSON(w, wallet)
	}
	fmt.Fprintf(w, "%s (%s)\nstatus: %s  version: %d  owner: %s\n\n",
		wallet.Alias, wallet.ID, wallet.Status, wallet.Version, wallet.OwnerEmail)
	if wallet.Template == nil {
		return nil
	}

	ids := make([]domain.KeyID, 0, len(wallet.Template.Keys))
	for id := range wallet.Template.Keys {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		k := wallet.Template.Keys[id]
		xpub := "-"
		if k.Xpub != nil {
			xpub = string(k.Xpub.Source)
		}
		rows = append(rows, []string{strconv.Itoa(int(k.ID)), k.Alias, k.Email, string(k.KeyType), xpub})
	}
	printTable(w, []string{"KEY", "ALIAS", "EMAIL", "TYPE", "XPUB"}, rows)

	p := wallet.Template.PrimaryPath
	fmt.Fprintf(w, "\nprimary: %d of %s\n", p.ThresholdN, keyList(p.KeyIDs))
	for _, sp := range wallet.Template.SecondaryPaths {
		fmt.Fprintf(w, "after %d blocks: %d of %s\n", sp.Timelock.Blocks, sp.Path.ThresholdN, keyList(sp.Path.KeyIDs))
	}
	return nil
}

func printUser(w io.Writer, u *domain.UserView) error {
	if output == "json" {
		return printJSON(w, u)
	}
	fmt.Fprintf(w, "%s <%s> (%s)\n\n", u.Name, u.Email, u.ID)
	rows := make([][]string, 0, len(u.Keys))
	for _, k := range u.Keys {
		rows = append(rows, []string{k.WalletID.String(), strconv.Itoa(int(k.KeyID))})
	}
	printTable(w, []string{"WALLET ID", "KEY"}, rows)
	return nil
}

func keyList(ids []domain.KeyID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(int(id))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
