package commands

import (
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/releaseminer/pkg/config"
)

// NewConfigCommand creates the config command, which prints the effective
// configuration after defaults, file and environment are merged.
func NewConfigCommand() *cobra.Command {
	var common commonFlags

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := common.load(cmd)
			if err != nil {
				return err
			}

			return config.WriteYAML(cmd.OutOrStdout(), cfg.Redacted())
		},
	}

	common.register(cmd)

	return cmd
}
