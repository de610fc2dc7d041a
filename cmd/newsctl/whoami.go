package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/newsdesk/internal/authapi"
	"github.com/szaher/newsdesk/internal/session"
)

type sessionOutput struct {
	Status    string     `json:"status"`
	Principal string     `json:"principal,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func sessionView(st session.State, token string) sessionOutput {
	out := sessionOutput{Status: st.Status()}
	if st.Principal != nil {
		out.Principal = st.Principal.DisplayName
	}
	if exp, ok := authapi.TokenExpiry(token); ok {
		out.ExpiresAt = &exp
	}
	return out
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				view := sessionView(a.session.State(), a.session.Token())
				if jsonOutput() {
					return printJSON(a.out, view)
				}
				if view.Principal == "" {
					fmt.Fprintln(a.out, "Not logged in.")
					return nil
				}
				fmt.Fprintf(a.out, "Logged in as %s\n", view.Principal)
				if view.ExpiresAt != nil {
					left := time.Until(*view.ExpiresAt).Round(time.Second)
					if left > 0 {
						fmt.Fprintf(a.out, "Token expires %s (in %s)\n", view.ExpiresAt.Local().Format(time.RFC1123), left)
					} else {
						fmt.Fprintf(a.out, "Token expired %s\n", view.ExpiresAt.Local().Format(time.RFC1123))
					}
				}
				return nil
			})
		},
	}
}
