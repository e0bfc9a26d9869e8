package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dkrasner/yodi/pkg/audit"
	"github.com/dkrasner/yodi/pkg/config"
	"github.com/dkrasner/yodi/pkg/observability"
	"github.com/dkrasner/yodi/pkg/store"
	"github.com/dkrasner/yodi/pkg/supervisor"
)

func newSupervisorCmd() *cobra.Command {
	var (
		host, uri, user, password, clientID string
		port                                int
	)

	cmd := &cobra.Command{
		Use:   "supervisor",
		Short: "Run the supervisor: fork client/worker, restart on crash, salvage backtraces",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			if err := supervisor.RedirectStderr(cfg.LogPath); err != nil {
				return err
			}
			logger := newLogger()

			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}

			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve own executable: %w", err)
			}

			clientArgv := []string{self, "client",
				"-h", host, "-u", uri, "-p", fmt.Sprint(port),
				"-i", clientID, "-U", user, "-P", password}
			workerArgv := []string{self, "worker"}

			sup, err := supervisor.New([]supervisor.ServiceSpec{
				{Name: "client", Argv: clientArgv},
				{Name: "worker", Argv: workerArgv},
			}, st, logger)
			if err != nil {
				return err
			}
			sup.SetAudit(audit.NewLogger(audit.NewFileStore(cfg.AuditDir), clientID))
			sup.SetMetrics(observability.NewAgentMetrics(), cfg.MetricsAddr)
			if err := sup.SetLogFanIn(cfg.LogSockPath); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return sup.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&host, "host", "h", "", "broker host, forwarded to the client role")
	cmd.Flags().StringVarP(&uri, "uri", "u", "", "broker URI path, forwarded to the client role")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "broker port, forwarded to the client role")
	cmd.Flags().StringVarP(&clientID, "client-id", "i", "", "client id, forwarded to the client role")
	cmd.Flags().StringVarP(&user, "user", "U", "", "broker username, forwarded to the client role")
	cmd.Flags().StringVarP(&password, "password", "P", "", "broker password, forwarded to the client role")

	return cmd
}
