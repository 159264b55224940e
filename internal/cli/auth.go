package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yubzen/agentstream/internal/credentials"
)

func NewAuthCmd() *cobra.Command {
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage push transport tokens in the OS keyring",
	}

	var token string
	setCmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a bearer token under name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := strings.TrimSpace(token)
			if value == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Enter token for %s: ", args[0])
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && strings.TrimSpace(line) == "" {
					return fmt.Errorf("read token: %w", err)
				}
				value = strings.TrimSpace(line)
			}
			if err := credentials.Store(args[0], value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored token for %s\n", args[0])
			return nil
		},
	}
	setCmd.Flags().StringVar(&token, "token", "", "Token value (prompted when empty)")

	var reveal bool
	getCmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show whether a token is stored for name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := credentials.Load(args[0])
			if errors.Is(err, credentials.ErrNotFound) {
				return fmt.Errorf("no token stored for %s (set one with `agentstream auth set %s` or %s)",
					args[0], args[0], credentials.EnvName(args[0]))
			}
			if err != nil {
				return err
			}
			if reveal {
				fmt.Fprintln(cmd.OutOrStdout(), value)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], maskToken(value))
			return nil
		},
	}
	getCmd.Flags().BoolVar(&reveal, "reveal", false, "Print the full token")

	deleteCmd := &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm", "remove"},
		Short:   "Remove the token stored for name",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := credentials.Delete(args[0]); err != nil {
				if errors.Is(err, credentials.ErrNotFound) {
					fmt.Fprintf(cmd.OutOrStdout(), "No stored token to remove for %s\n", args[0])
					return nil
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed token for %s\n", args[0])
			return nil
		},
	}

	authCmd.AddCommand(setCmd, getCmd, deleteCmd)
	return authCmd
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}
