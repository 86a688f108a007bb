package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/concord/internal/config"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one spec/code sync cycle and print its report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := openStatefulProject()
		if err != nil {
			return err
		}
		defer p.Close()
		if err := p.orch.Recover(cmd.Context()); err != nil {
			p.log.Warn("sync: recover: %v", err)
		}
		report, err := p.orch.RunSyncCycle(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, report)
	},
}

var conflictStatus string

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List conflicts (open, resolved or all)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := openStatefulProject()
		if err != nil {
			return err
		}
		defer p.Close()
		conflicts, err := p.orch.GetConflicts(cmd.Context(), conflictStatus)
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No conflicts.")
			return nil
		}
		out := cmd.OutOrStdout()
		for _, c := range conflicts {
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", c.EntityKey, c.Status, c.Severity, strings.Join(c.Reasons, "; "))
		}
		return nil
	},
}

var (
	resolveFile    string
	resolveContent string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <entity-key>",
	Short: "Resolve an open conflict with chosen content for both trees",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var chosen []byte
		switch {
		case resolveFile != "" && resolveContent != "":
			return fmt.Errorf("use either --file or --content")
		case resolveFile != "":
			data, err := os.ReadFile(resolveFile)
			if err != nil {
				return fmt.Errorf("read %s: %w", resolveFile, err)
			}
			chosen = data
		case cmd.Flags().Changed("content"):
			chosen = []byte(resolveContent)
		default:
			return fmt.Errorf("--file or --content is required")
		}
		p, err := openStatefulProject()
		if err != nil {
			return err
		}
		defer p.Close()
		res, err := p.orch.ResolveConflictManually(cmd.Context(), args[0], chosen)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var strategyCmd = &cobra.Command{
	Use:   "strategy <spec-wins|code-wins|merge|manual>",
	Short: "Persist the conflict resolution strategy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := resolveProjectDir()
		if err != nil {
			return err
		}
		if err := config.InitDir(dir); err != nil {
			return err
		}
		cfg, err := config.NewConfig(dir)
		if err != nil {
			return err
		}
		candidate := *cfg.Orchestrator()
		candidate.ConflictResolutionStrategy = args[0]
		if err := candidate.Validate(); err != nil {
			return err
		}
		if err := cfg.SetConflictStrategy(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Conflict strategy set to %s\n", args[0])
		return nil
	},
}

func init() {
	conflictsCmd.Flags().StringVar(&conflictStatus, "status", "open", "open, resolved or all")
	resolveCmd.Flags().StringVar(&resolveFile, "file", "", "file holding the chosen content")
	resolveCmd.Flags().StringVar(&resolveContent, "content", "", "chosen content")
	rootCmd.AddCommand(strategyCmd)
}
