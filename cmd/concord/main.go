// cmd/concord/main.go
//
// Entry point for the concord CLI. Every command works on the project in
// --project (default: the current directory) and its .concord/ folder.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kingrea/concord/internal/config"
	"github.com/kingrea/concord/internal/logging"
	"github.com/kingrea/concord/internal/orchestrator"
)

var (
	errMissingSubcommand = errors.New("must specify a subcommand")
	errEphemeralStorage  = errors.New("storage.driver is memory, so this command would start from empty state; set storage.driver to sqlite or use the gateway of `concord serve`")
)

var projectDir string

var rootCmd = &cobra.Command{
	Use:           "concord",
	Short:         "Consensus-driven orchestration of spec and code trees",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "p", "", "project directory (defaults to the working directory)")
	rootCmd.AddCommand(initCmd, serveCmd, syncCmd, conflictsCmd, resolveCmd, workflowCmd, dashboardCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "concord: %v\n", err)
		os.Exit(1)
	}
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the .concord directory and default config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, err := resolveProjectDir()
		if err != nil {
			return err
		}
		if err := config.InitDir(dir); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", filepath.Join(dir, config.ConcordDir))
		return nil
	},
}

func resolveProjectDir() (string, error) {
	dir := projectDir
	if dir == "" {
		var err error
		if dir, err = os.Getwd(); err != nil {
			return "", fmt.Errorf("determine working directory: %w", err)
		}
	}
	return filepath.Abs(dir)
}

// project bundles what a command needs to talk to the orchestrator.
type project struct {
	cfg    *config.Config
	log    *logging.Logger
	orch   *orchestrator.Orchestrator
	closed bool
}

func openProject() (*project, error) {
	dir, err := resolveProjectDir()
	if err != nil {
		return nil, err
	}
	if err := config.InitDir(dir); err != nil {
		return nil, fmt.Errorf("init %s: %w", config.ConcordDir, err)
	}
	cfg, err := config.NewConfig(dir)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(dir)
	if err != nil {
		return nil, err
	}
	orch, err := orchestrator.Open(cfg, orchestrator.WithLogger(log))
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	return &project{cfg: cfg, log: log, orch: orch}, nil
}

// openStatefulProject is openProject for one-shot commands, which only make
// sense when sync state, conflicts and workflows outlive the process.
func openStatefulProject() (*project, error) {
	p, err := openProject()
	if err != nil {
		return nil, err
	}
	if !p.orch.Persistent() {
		p.Close()
		return nil, errEphemeralStorage
	}
	return p, nil
}

func (p *project) Close() {
	if p.closed {
		return
	}
	p.closed = true
	if err := p.orch.Close(); err != nil {
		p.log.Error("close storage: %v", err)
	}
	_ = p.log.Close()
}

func printJSON(cmd *cobra.Command, value any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
