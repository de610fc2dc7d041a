package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/szaher/newsdesk/internal/session"
)

func newLoginCmd() *cobra.Command {
	var (
		username      string
		passwordStdin bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the news portal as an admin",
		Long: `Log in with a username and password. The session is kept in the
configured storage until 'newsctl logout' or until the API rejects it.

The password is prompted for without echo, or read from stdin with
--password-stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := bufio.NewReader(cmd.InOrStdin())

			if username == "" {
				if passwordStdin {
					return errors.New("--password-stdin requires --username")
				}
				fmt.Fprint(cmd.ErrOrStderr(), "Username: ")
				line, err := readLine(in)
				if err != nil {
					return fmt.Errorf("reading username: %w", err)
				}
				username = line
			}

			var password string
			var err error
			if passwordStdin {
				password, err = readLine(in)
			} else {
				password, err = promptPassword(cmd, in)
			}
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.session.Login(ctx, session.Credentials{Identifier: username, Secret: password})
				if !res.Success {
					return errors.New(res.Message)
				}
				st := a.session.State()
				if jsonOutput() {
					return printJSON(a.out, sessionView(st, ""))
				}
				fmt.Fprintf(a.out, "Logged in as %s\n", st.Principal.DisplayName)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Admin username")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")

	return cmd
}

// promptPassword reads without echo when stdin is a terminal and falls back
// to a plain line otherwise.
func promptPassword(cmd *cobra.Command, in *bufio.Reader) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return readLine(in)
}

// readLine returns the next line without its line ending. A final line
// without a newline is accepted.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
