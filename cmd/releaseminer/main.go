// Package main provides the entry point for the releaseminer CLI tool.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/releaseminer/cmd/releaseminer/commands"
	"github.com/Sumatoshi-tech/releaseminer/pkg/orchestrator"
	"github.com/Sumatoshi-tech/releaseminer/pkg/version"
)

const exitInterrupted = 130

func main() {
	version.InitBinaryVersion()

	rootCmd := &cobra.Command{
		Use:   "releaseminer",
		Short: "Release-level method metrics and defect dataset miner",
		Long: `releaseminer builds a per-method dataset across the releases of Java
repositories hosted on GitHub, labelled with fixed bugs from Jira.

Commands:
  mine      Mine the dataset for one or more projects
  tags      List the releases a project would be mined for
  config    Print the effective configuration`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewMineCommand())
	rootCmd.AddCommand(commands.NewTagsCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		if errors.Is(err, orchestrator.ErrInterrupted) {
			os.Exit(exitInterrupted)
		}

		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "releaseminer %s\n", version.String())
		},
	}
}
