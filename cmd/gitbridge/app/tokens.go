package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/stacklok/gitbridge/internal/tokens"
)

// errTokenNotFound is returned by "tokens delete" for unknown ids
var errTokenNotFound = errors.New("token not found")

func newTokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage global access tokens",
		Long: `Manage the global tokens that grant read access to every project.

The running server observes changes made by these commands immediately.`,
	}
	cmd.AddCommand(newTokensListCmd(), newTokensCreateCmd(), newTokensDeleteCmd())
	return cmd
}

func openStore(cmd *cobra.Command) (tokens.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return tokens.NewFileStore(cfg.TokensFile)
}

func newTokensListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			list, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("ID", "Label", "Ends With", "Created")
			for _, d := range list {
				created := ""
				if !d.CreatedAt.IsZero() {
					created = d.CreatedAt.Format(time.RFC3339)
				}
				if err := table.Append([]string{d.ID, d.Label, d.Hint, created}); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
}

func newTokensCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a token and print its value",
		Long:  "Create a token. Its value is printed once and cannot be retrieved later.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			label, err := cmd.Flags().GetString("label")
			if err != nil {
				return err
			}
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			created, err := store.Create(cmd.Context(), label)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "id:    %s\ntoken: %s\n", created.ID, created.Token)
			return err
		},
	}
	cmd.Flags().String("label", "", "Human readable description of the token")
	return cmd
}

func newTokensDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			deleted, err := store.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("%w: %s", errTokenNotFound, args[0])
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return err
		},
	}
}
