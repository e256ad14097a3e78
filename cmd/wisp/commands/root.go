package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	envFiles   []string
	jsonOutput bool

	// version is reported by telemetry and /healthz.
	version = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, ver, commit, buildDate string) error {
	rootCmd := newRootCommand(ver, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(ver, commit, buildDate string) *cobra.Command {
	version = ver

	rootCmd := &cobra.Command{
		Use:   "wisp",
		Short: "Wisp - web app provisioning and self-healing deployments",
		Long: `Wisp turns a project request into a live web application.

For every project it:
  - creates a repository from the starter template
  - creates a hosting project and binds a custom domain
  - creates the DNS record and waits for the domain to verify
  - commits AI-generated feature code
  - watches the deployment and commits fixes for failed builds

Resources are torn down again when a project or its owner is deleted.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", ver, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load (missing files are ignored)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newUserCommand())
	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newCleanupCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}
