package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/concord/internal/config"
	"github.com/kingrea/concord/internal/scheduler"
	"github.com/kingrea/concord/internal/workflow"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Create and drive phased workflows",
	RunE: func(*cobra.Command, []string) error {
		return errMissingSubcommand
	},
}

var workflowCreateCmd = &cobra.Command{
	Use:   "create <definition>",
	Short: "Create a workflow from a definition file or a name in the workflows directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openStatefulProject()
		if err != nil {
			return err
		}
		defer p.Close()
		def, err := loadDefinition(p.cfg.WorkflowsDir(), args[0])
		if err != nil {
			return err
		}
		id, err := p.orch.CreateWorkflow(cmd.Context(), def)
		if err != nil {
			if id != "" && isCapacityError(err) {
				fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s created but blocked: %v\n", id, err)
				return nil
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s started (%s)\n", id, strings.Join(def.PhaseNames(), " → "))
		return nil
	},
}

var workflowAdvanceCmd = &cobra.Command{
	Use:   "advance <workflow-id>",
	Short: "Move a workflow past its approved current phase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openStatefulProject()
		if err != nil {
			return err
		}
		defer p.Close()
		phase, err := p.orch.AdvanceWorkflow(cmd.Context(), args[0])
		if err != nil && !isCapacityError(err) {
			return err
		}
		wf, getErr := p.orch.GetWorkflow(cmd.Context(), args[0])
		if getErr != nil {
			return getErr
		}
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Advanced to phase %d but it is blocked: %v\n", phase, err)
			return nil
		}
		if wf.State == workflow.StateCompleted {
			fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s completed\n", wf.ID)
			return nil
		}
		current, _ := wf.CurrentPhase()
		fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s now on phase %d (%s)\n", wf.ID, phase, current.Name)
		return nil
	},
}

var workflowRetryCmd = &cobra.Command{
	Use:   "retry <workflow-id>",
	Short: "Reopen consensus for a blocked phase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openStatefulProject()
		if err != nil {
			return err
		}
		defer p.Close()
		wf, err := p.orch.RetryWorkflow(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, wf)
	},
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status [workflow-id]",
	Short: "Show one workflow, or list every workflow",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openStatefulProject()
		if err != nil {
			return err
		}
		defer p.Close()
		if len(args) == 1 {
			wf, err := p.orch.GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, wf)
		}
		flows, err := p.orch.ListWorkflows(cmd.Context())
		if err != nil {
			return err
		}
		for _, wf := range flows {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d/%d\n", wf.ID, wf.State, wf.CurrentPhaseIndex, len(wf.Phases))
		}
		return nil
	},
}

var workflowValidateCmd = &cobra.Command{
	Use:   "validate <definition.yaml>",
	Short: "Check a workflow definition without creating it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := workflow.LoadDefinitionFile(args[0])
		if err != nil {
			return err
		}
		if err := def.Validate(); err != nil {
			return fmt.Errorf("invalid: %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %s (%d phase(s))\n", def.ID, len(def.Phases))
		return nil
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the definitions in the project's workflows directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, err := resolveProjectDir()
		if err != nil {
			return err
		}
		cfg, err := config.NewConfig(dir)
		if err != nil {
			return err
		}
		defs, err := workflow.LoadDefinitionDir(cfg.WorkflowsDir())
		if err != nil {
			return err
		}
		if len(defs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No workflow definitions in %s\n", cfg.WorkflowsDir())
			return nil
		}
		for _, def := range defs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", def.ID, strings.Join(def.PhaseNames(), " → "))
		}
		return nil
	},
}

func init() {
	workflowCmd.AddCommand(workflowCreateCmd, workflowAdvanceCmd, workflowRetryCmd, workflowStatusCmd, workflowValidateCmd, workflowListCmd)
}

// loadDefinition accepts a path to a definition file or a name resolved in
// the project's workflows directory.
func loadDefinition(dir, ref string) (workflow.Definition, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		return workflow.LoadDefinitionFile(ref)
	}
	return workflow.LoadDefinitionRelative(dir, ref)
}

func isCapacityError(err error) bool {
	return errors.Is(err, scheduler.ErrNoEligibleAgents) || errors.Is(err, scheduler.ErrInsufficientAgents)
}
