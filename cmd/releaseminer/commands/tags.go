package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/releaseminer/pkg/config"
	"github.com/Sumatoshi-tech/releaseminer/pkg/github"
	"github.com/Sumatoshi-tech/releaseminer/pkg/observability"
	"github.com/Sumatoshi-tech/releaseminer/pkg/orchestrator"
	"github.com/Sumatoshi-tech/releaseminer/pkg/report"
)

const tagsArgs = 2

// NewTagsCommand creates the tags command, which prints the releases a
// mine run would process for one project without fetching anything.
func NewTagsCommand() *cobra.Command {
	var (
		common  commonFlags
		percent float64
	)

	cmd := &cobra.Command{
		Use:     "tags owner/repo JIRAKEY",
		Short:   "List the releases shared by a repository and its tracker",
		Args:    cobra.ExactArgs(tagsArgs),
		Example: "  releaseminer tags apache/zookeeper ZOOKEEPER --percent 50",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.load(cmd)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed(flagPercent) {
				cfg.Mining.ReleasePercent = percent
			}

			repo, err := github.ParseRepositoryRef(args[0])
			if err != nil {
				return err
			}

			return listTags(cmd, cfg, orchestrator.Project{Repo: repo, JiraKey: args[1]})
		},
	}

	common.register(cmd)
	cmd.Flags().Float64Var(&percent, flagPercent, 0, "Share of the earliest matching releases to list (overrides mining.release_percent)")

	return cmd
}

func listTags(cmd *cobra.Command, cfg *config.Config, project orchestrator.Project) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}

	providers, err := initObservability(cfg, observability.ModeCLI, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	defer func() {
		_ = providers.Shutdown(context.Background()) //nolint:contextcheck // command context may be done.
	}()

	lister, err := newApp(cfg, providers.Logger, nil)
	if err != nil {
		return err
	}

	tags, err := orchestrator.NewRepository(project, lister.deps(), lister.options()).SelectTags(cmd.Context())
	if err != nil {
		return err
	}

	return report.Tags(cmd.OutOrStdout(), tags)
}
