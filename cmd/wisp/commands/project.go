package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/usewisp/wisp/pkg/engine"
)

func newCreateCommand() *cobra.Command {
	var (
		req       engine.CreateRequest
		questions []string
		detach    bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Provision a new project",
		Long: `Provision a project and wait for the pipeline to finish.

The project record is written before any external resource is created; its
id is printed immediately so progress can be followed with "wisp status".`,
		Example: `  # Provision with a generated feature
  wisp create --user u_123 --name "Bakery" --description "A landing page for a bakery"

  # Provision the bare template
  wisp create --user u_123 --name "Bakery" --skip-codegen

  # Answer the onboarding questions
  wisp create --user u_123 --name "Bakery" --description "..." \
    --question "Primary colour=pink" --question "Audience=locals"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			answers, err := parseQuestions(questions)
			if err != nil {
				return err
			}
			req.Questions = answers

			rt, err := openRuntime(ctx, runtimeOptions{pipeline: true, skipCodegen: req.SkipCodegen})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			project, err := rt.orchestrator.Accept(ctx, req)
			if err != nil {
				return err
			}
			log.Info().Str("project_id", project.ID).Str("name", project.Name).Msg("Provisioning started")

			if detach {
				return printProject(cmd.OutOrStdout(), project)
			}

			rt.orchestrator.Wait()

			final, err := rt.store.GetProject(ctx, project.ID)
			if err != nil {
				return err
			}
			if err := printProject(cmd.OutOrStdout(), final); err != nil {
				return err
			}
			if final.Status == engine.ProjectStatusFailed {
				return fmt.Errorf("provisioning of %s failed: %s", final.Name, final.StatusMessage)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.UserID, "user", "", "owner user id")
	cmd.Flags().StringVar(&req.Name, "name", "", "project name")
	cmd.Flags().StringVar(&req.Description, "description", "", "what the app should do")
	cmd.Flags().BoolVar(&req.Private, "private", false, "create a private repository")
	cmd.Flags().BoolVar(&req.SkipCodegen, "skip-codegen", false, "deploy the template without generated code")
	cmd.Flags().StringArrayVar(&questions, "question", nil, "onboarding answer as question=answer (repeatable)")
	cmd.Flags().BoolVar(&detach, "detach", false, "return once the project is accepted (the pipeline stops when the command exits)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func parseQuestions(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	answers := make(map[string]string, len(raw))
	for _, qa := range raw {
		q, a, ok := strings.Cut(qa, "=")
		if !ok || strings.TrimSpace(q) == "" {
			return nil, fmt.Errorf("invalid --question %q: expected question=answer", qa)
		}
		answers[strings.TrimSpace(q)] = strings.TrimSpace(a)
	}
	return answers, nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := openRuntime(ctx, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			project, err := rt.store.GetProject(ctx, args[0])
			if err != nil {
				return err
			}
			return printProject(cmd.OutOrStdout(), project)
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <user-id>",
		Short: "List the projects of a user, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := openRuntime(ctx, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if _, err := rt.store.GetUser(ctx, args[0]); err != nil {
				return err
			}
			projects, err := rt.store.ListProjectsByUser(ctx, args[0])
			if err != nil {
				return err
			}
			return printProjects(cmd.OutOrStdout(), projects)
		},
	}
}

func newDeleteCommand() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Tear down a project",
		Long: `Delete the hosting project, DNS record and repository of a project, then
its record.

When a delete fails the record stays in status deleted with the failures in
its error field; run the command again to retry.`,
		Example: `  wisp delete 3f0c... --user u_123

  # Operator teardown without an ownership check
  wisp delete 3f0c...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := openRuntime(ctx, runtimeOptions{pipeline: true, skipCodegen: true})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			log.Info().Str("project_id", args[0]).Msg("Tearing down project")
			if err := rt.orchestrator.Teardown(ctx, args[0], userID); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Project %s deleted\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "require the project to be owned by this user")
	return cmd
}
