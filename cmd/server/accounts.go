package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Tyrowin/nexus-chat-server/internal/accounts"
	"github.com/Tyrowin/nexus-chat-server/internal/auth"
)

func newAccountsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage chat accounts",
	}

	cmd.AddCommand(
		newAccountsAddCmd(a),
		newAccountsRemoveCmd(a),
		newAccountsListCmd(a),
		newAccountsImportCmd(a),
	)
	return cmd
}

func newAccountsAddCmd(a *app) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if name == "" {
				return errors.New("account name is empty")
			}
			if password == "" {
				p, err := promptForPassword(cmd.ErrOrStderr(), "Password for "+name+": ")
				if err != nil {
					return err
				}
				password = p
			}
			if password == "" {
				return errors.New("password is empty")
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.AddAccount(cmd.Context(), name, auth.DeriveVerifier(name, password)); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "account %s created\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password (prompted for when omitted)")
	return cmd
}

func newAccountsRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove NAME",
		Aliases: []string{"rm"},
		Short:   "Delete an account with its contacts and history",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.RemoveAccount(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "account %s removed\n", args[0])
			return nil
		},
	}
}

func newAccountsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts and who is online",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			names, err := store.AccountNames(cmd.Context())
			if err != nil {
				return err
			}
			active, err := store.ActiveUsers(cmd.Context())
			if err != nil {
				return err
			}
			online := make(map[string]string, len(active))
			for _, u := range active {
				online[u.Name] = fmt.Sprintf("%s:%d", u.IP, u.Port)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tONLINE FROM")
			for _, name := range names {
				from := online[name]
				if from == "" {
					from = "-"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\n", name, from)
			}
			return w.Flush()
		},
	}
}

func newAccountsImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Create or update accounts from a TOML accounts file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := accounts.Load(args[0])
			if err != nil {
				return err
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := accounts.Sync(cmd.Context(), store, entries)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d added, %d updated\n", res.Added, res.Updated)
			return nil
		},
	}
}

// promptForPassword reads a password without echo when stdin is a terminal,
// otherwise it reads one line.
func promptForPassword(out io.Writer, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	_, _ = fmt.Fprint(out, prompt)

	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		_, _ = fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
