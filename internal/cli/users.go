package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/webcore/internal/config"
	"github.com/Brownie44l1/webcore/internal/users"
)

func newUsersCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "users",
		Short: "Maintain the users file",
		Long: `Maintain the YAML users file read by the file, ldap and stub providers.
A missing file is created with the default accounts king and admin.`,
	}
	cmd.PersistentFlags().StringVar(&file, "file", config.Default().Users.File,
		"Users file. Can also use "+config.EnvName("users-file")+" env var.")

	open := func(cmd *cobra.Command) (*users.FileDirectory, error) {
		path := file
		if !cmd.Flags().Changed("file") {
			if v, ok := os.LookupEnv(config.EnvName("users-file")); ok {
				path = v
			}
		}
		return users.NewFileDirectory(path, nil)
	}

	cmd.AddCommand(newUsersAddCmd(open), newUsersListCmd(open), newUsersPasswdCmd(open))
	return cmd
}

type openDirectory func(cmd *cobra.Command) (*users.FileDirectory, error)

func newUsersAddCmd(open openDirectory) *cobra.Command {
	var roles []string

	cmd := &cobra.Command{
		Use:   "add USERNAME PASSWORD",
		Short: "Add or replace a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := open(cmd)
			if err != nil {
				return err
			}
			username := strings.TrimSpace(args[0])
			if username == "" || strings.ContainsAny(username, ": ") {
				return fmt.Errorf("invalid username %q", args[0])
			}
			if err := dir.AddUser(users.NewUser(username, args[1], roles...)); err != nil {
				return err
			}
			cmd.Printf("user %s saved to %s\n", username, dir.Path())
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role to grant; repeat or separate with commas (admin, shutdown, ...)")
	return cmd
}

func newUsersListCmd(open openDirectory) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users and their roles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := open(cmd)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "USERNAME\tROLES")
			for _, name := range dir.Usernames() {
				u := dir.Lookup(name)
				if u == nil {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\n", name, strings.Join(u.RoleNames(), ","))
			}
			return w.Flush()
		},
	}
}

func newUsersPasswdCmd(open openDirectory) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd USERNAME PASSWORD",
		Short: "Change a user's password",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := open(cmd)
			if err != nil {
				return err
			}
			if err := dir.SetPassword(args[0], args[1]); err != nil {
				return err
			}
			cmd.Printf("password of %s changed\n", args[0])
			return nil
		},
	}
}
