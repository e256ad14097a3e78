package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/usewisp/wisp/pkg/engine"
)

func newUserCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage project owners",
	}

	cmd.AddCommand(newUserCreateCommand())
	cmd.AddCommand(newUserDeleteCommand())

	return cmd
}

func newUserCreateCommand() *cobra.Command {
	var (
		id       string
		email    string
		fullName string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		Example: `  wisp user create --email ada@example.com --name "Ada Lovelace"
  wisp user create --id u_123 --email ada@example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := openRuntime(ctx, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if id == "" {
				id = uuid.NewString()
			}
			user := &engine.User{
				ID:        id,
				Email:     strings.TrimSpace(email),
				FullName:  strings.TrimSpace(fullName),
				CreatedAt: time.Now().UTC(),
			}
			if err := rt.store.CreateUser(ctx, user); err != nil {
				return err
			}

			log.Info().Str("user_id", user.ID).Msg("User created")
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), user)
			}
			fmt.Fprintln(cmd.OutOrStdout(), user.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&fullName, "name", "", "full name")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newUserDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <user-id>",
		Short: "Delete a user and tear down all of their projects",
		Long: `Tear down every project of the user, then delete the user.

The user is kept when any project teardown fails, so the command can be
run again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := openRuntime(ctx, runtimeOptions{pipeline: true, skipCodegen: true})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			log.Info().Str("user_id", args[0]).Msg("Deleting user")
			if err := rt.orchestrator.DeleteUser(ctx, args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "User %s deleted\n", args[0])
			return nil
		},
	}
	return cmd
}
