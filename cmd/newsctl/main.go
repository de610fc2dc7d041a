package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// Global flags
var (
	cfgPath       string
	apiURL        string
	storageDriver string
	verbose       bool
	outputFormat  string
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "newsctl",
		Short:         "Command-line client for the news portal",
		Long:          "newsctl reads articles from the news portal API and, once logged in, manages them as an admin.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return checkOutputFormat()
		},
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (default $XDG_CONFIG_HOME/newsdesk/config.yaml)")
	root.PersistentFlags().StringVar(&apiURL, "api-url", "", "News API base URL")
	root.PersistentFlags().StringVar(&storageDriver, "storage", "", "Session storage driver (file, memory, redis, etcd, postgres)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVarP(&outputFormat, "output", "o", outputTable, "Output format (table or json)")

	root.AddCommand(newLoginCmd())
	root.AddCommand(newLogoutCmd())
	root.AddCommand(newWhoamiCmd())
	root.AddCommand(newArticlesCmd())
	root.AddCommand(newHomeCmd())
	root.AddCommand(newAdminCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newVersionCmd())

	return root
}
