package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kingrea/concord/internal/gateway"
	"github.com/kingrea/concord/internal/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator loops and the HTTP gateway until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := openProject()
		if err != nil {
			return err
		}
		defer p.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		settings := gateway.SettingsFromConfig(p.cfg)
		srv := gateway.NewServer(settings, p.orch,
			gateway.WithEvents(p.orch.Bus()),
			gateway.WithLogger(p.log),
		)
		if settings.Enabled {
			fmt.Fprintf(cmd.OutOrStdout(), "Gateway listening on %s\n", settings.URL())
		}
		p.log.Info("serve: storage persistent=%t gateway=%t", p.orch.Persistent(), settings.Enabled)
		return p.orch.Run(ctx, orchestrator.Runner(srv.Run), mirrorEvents(p))
	},
}

// mirrorEvents copies every bus event into the project log.
func mirrorEvents(p *project) orchestrator.Runner {
	return func(ctx context.Context) error {
		sub := p.orch.Bus().Subscribe()
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return nil
			case event, ok := <-sub.Events:
				if !ok {
					return nil
				}
				p.log.Info("event %s task=%s workflow=%s agent=%s entity=%s %s",
					event.Type, event.TaskID, event.WorkflowID, event.AgentID, event.EntityKey, event.Detail)
			}
		}
	}
}
