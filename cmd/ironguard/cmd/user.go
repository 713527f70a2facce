package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironguard/audit"
	"github.com/jmcleod/ironguard/internal/util"
	"github.com/jmcleod/ironguard/users"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage helpdesk accounts",
}

var (
	userAddName        string
	userAddDisplayName string
	userAddPassword    string
	userAddRoles       []string
)

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an account directly in storage",
	Long: `Creates a user in the configured storage backend and records user.create
in the audit log with the CLI as the client. The server must not be running
against a bbolt data directory. An empty --password is generated and printed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := cfg.Log.NewLogger(os.Stderr)

		repo, closeRepo, err := openRepository(cfg.Storage, false)
		if err != nil {
			return err
		}
		defer closeRepo()

		auditLog := audit.NewLog(repo, audit.WithLogger(logger))
		directory, err := newDirectory(cfg, auditLog, logger)
		if err != nil {
			return err
		}

		password := userAddPassword
		generated := password == ""
		if generated {
			if password, err = util.RandomToken(18); err != nil {
				return err
			}
		}

		u, err := directory.Create(cmd.Context(), users.NewUser{
			Username:    userAddName,
			DisplayName: userAddDisplayName,
			Password:    password,
			Roles:       userAddRoles,
		}, "", audit.Client{Agent: "ironguard-cli"})
		if err != nil {
			return fmt.Errorf("creating user: %w", err)
		}
		logger.Info("user created", slog.String("user_id", u.ID), slog.String("username", u.Username))
		fmt.Fprintf(cmd.OutOrStdout(), "Created user %q (%s) with roles %v\n", u.Username, u.ID, u.Roles)
		if generated {
			fmt.Fprintf(cmd.OutOrStdout(), "Generated password: %s\n", password)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd)
	userAddCmd.Flags().StringVarP(&userAddName, "username", "u", "", "Login name")
	userAddCmd.Flags().StringVar(&userAddDisplayName, "display-name", "", "Display name")
	userAddCmd.Flags().StringVar(&userAddPassword, "password", "", "Password (generated when empty)")
	userAddCmd.Flags().StringSliceVar(&userAddRoles, "role", []string{users.RoleAgent}, "Role to grant; repeatable (admin, agent)")
	cobra.CheckErr(userAddCmd.MarkFlagRequired("username"))
}
