package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newCleanupCommand() *cobra.Command {
	var (
		base  string
		from  int
		to    int
		batch int
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Tear down a numbered series of projects",
		Long: `Tear down the projects named <base>, <base>-2, ... <base>-<to>.

Index 1 is the base name itself. Projects are torn down concurrently, --batch
at a time. Names without a record are skipped.`,
		Example: `  # Remove load-test projects loadtest .. loadtest-50, ten at a time
  wisp cleanup --base loadtest --from 1 --to 50 --batch 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if from < 1 || to < from {
				return fmt.Errorf("invalid range [%d, %d]", from, to)
			}
			if batch < 1 {
				return fmt.Errorf("--batch must be at least 1")
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx, runtimeOptions{pipeline: true, skipCodegen: true})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			log.Info().
				Str("base", base).
				Int("from", from).
				Int("to", to).
				Int("batch", batch).
				Msg("Cleaning up projects")

			results := rt.orchestrator.Cleanup(ctx, base, from, to, batch)
			if err := printCleanup(cmd.OutOrStdout(), results); err != nil {
				return err
			}

			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d teardowns failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&base, "base", "", "base project name")
	cmd.Flags().IntVar(&from, "from", 1, "first index")
	cmd.Flags().IntVar(&to, "to", 1, "last index")
	cmd.Flags().IntVar(&batch, "batch", 5, "concurrent teardowns")
	_ = cmd.MarkFlagRequired("base")

	return cmd
}
