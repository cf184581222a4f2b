// Package cli is the httpserver command line.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// version is set by main
var version = "dev"

func SetVersion(v string) {
	version = v
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "httpserver",
		Short: "Small HTTP/1.1 server for static content, logins and uploads",
		Long: `httpserver serves files from a root directory over HTTP/1.1, with
optional TLS, session based logins against a users file, LDAP or an SSO
endpoint, multipart uploads and prometheus metrics.`,
		SilenceUsage: true,
		Version:      version,
	}
	root.SetVersionTemplate(`{{printf "httpserver version %s\n" .Version}}`)

	root.AddCommand(newServeCmd())
	root.AddCommand(newUsersCmd())
	root.AddCommand(newDumpCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("httpserver version %s\n", version)
		},
	}
}
