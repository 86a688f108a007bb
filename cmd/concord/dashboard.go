package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/concord/internal/tui"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Open the terminal dashboard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := openProject()
		if err != nil {
			return err
		}
		defer p.Close()
		if err := p.orch.Recover(cmd.Context()); err != nil {
			p.log.Warn("dashboard: recover: %v", err)
		}
		program := tea.NewProgram(tui.NewApp(p.orch, tui.WithLog(p.log)), tea.WithAltScreen())
		if _, err := program.Run(); err != nil {
			return fmt.Errorf("run dashboard: %w", err)
		}
		return nil
	},
}
