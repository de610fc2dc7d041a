package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				wasIn := a.session.State().Authenticated
				if wasIn {
					// The API may already consider the token dead; the local
					// session ends either way.
					if err := a.auth.Logout(ctx); err != nil {
						a.logger.Warn("remote logout failed", "error", err)
					}
				}
				if err := a.session.Logout(ctx); err != nil {
					return err
				}
				if wasIn {
					fmt.Fprintln(a.out, "Logged out.")
				} else {
					fmt.Fprintln(a.out, "Not logged in.")
				}
				return nil
			})
		},
	}
}
