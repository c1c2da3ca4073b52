// casetrackctl is the operator CLI: staff account provisioning and one-off
// maintenance against the case database.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"casetrack/config"
	"casetrack/core/auth"
	"casetrack/core/store"
	"casetrack/core/utils"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "casetrackctl",
		Short:         "Operator tooling for the case tracking service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(createUserCmd("create-admin", store.RoleAdmin))
	rootCmd.AddCommand(createUserCmd("create-officer", store.RoleOfficer))
	rootCmd.AddCommand(sessionsGCCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func createUserCmd(use string, role store.Role) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Create a %s account", role),
		RunE: func(cmd *cobra.Command, _ []string) error {
			users, closeDB, err := openUsersStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			u := &store.User{Email: email, PasswordHash: hash, Role: role}
			if err := users.CreateUser(cmd.Context(), u); err != nil {
				if err == store.ErrConflict {
					return fmt.Errorf("user %s already exists", email)
				}
				return err
			}
			fmt.Println(color.GreenString("created %s %s (%s)", role, u.Email, u.ID))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (min 8 characters)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func sessionsGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions-gc",
		Short: "Delete expired sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			n, err := store.NewSessionsStore(db).DeleteExpired(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Println(color.GreenString("deleted %d expired sessions", n))
			return nil
		},
	}
}

func openDB(ctx context.Context) (*store.DB, error) {
	logger := utils.NewLogger()
	cfg, err := config.Load(os.Getenv("CASETRACK_CONFIG"))
	if err != nil {
		return nil, err
	}
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := store.ApplyMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func openUsersStore(ctx context.Context) (store.UsersStore, func(), error) {
	db, err := openDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	return store.NewUsersStore(db), func() { db.Close() }, nil
}
