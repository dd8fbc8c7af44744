package main

import (
	"context"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/example/tokenauth/internal/auth"
)

// NewUserCmd creates the user subcommand.
func NewUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage principals",
	}
	cmd.AddCommand(newUserAddCmd(), newUserDeleteCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var (
		username, email, password string
		roles                     []string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a principal",
		Long: `Create a principal with one or more roles. The first role is the
primary one carried in the access token's role claim.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(roles) == 0 {
				return oops.Code("INVALID_ARGUMENT").Errorf("at least one --role is required")
			}
			c, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			db, err := openStore(ctx, c, newLogger(c, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.EnsureRoles(ctx, auth.RoleManager, auth.RoleEmployee); err != nil {
				return oops.Code("SEED_FAILED").With("operation", "seed roles").Wrap(err)
			}
			p, err := db.CreatePrincipal(ctx, username, email, password, roles...)
			if err != nil {
				return oops.Code("USER_CREATE_FAILED").With("email", email).Wrap(err)
			}
			cmd.Printf("Created %s <%s> with id %s\n", p.Username, p.Email, p.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "login e-mail address")
	cmd.Flags().StringVar(&password, "password", "", "initial password")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to assign (repeatable)")
	return cmd
}

func newUserDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			db, err := openStore(ctx, c, newLogger(c, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.DeletePrincipal(ctx, args[0]); err != nil {
				return oops.Code("USER_DELETE_FAILED").With("id", args[0]).Wrap(err)
			}
			cmd.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}
