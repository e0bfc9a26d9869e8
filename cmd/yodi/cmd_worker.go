package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkrasner/yodi/pkg/audit"
	"github.com/dkrasner/yodi/pkg/config"
	"github.com/dkrasner/yodi/pkg/cpulimit"
	"github.com/dkrasner/yodi/pkg/executor"
	"github.com/dkrasner/yodi/pkg/observability"
	"github.com/dkrasner/yodi/pkg/sandbox"
	"github.com/dkrasner/yodi/pkg/store"
	"github.com/dkrasner/yodi/pkg/worker"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker role: pop commands, execute, push results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			logger := newLogger()
			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			auditStore := audit.NewFileStore(cfg.AuditDir)
			auditLogger := audit.NewLogger(auditStore, cfg.ClientID)

			d := executor.NewDispatcher(logger)
			d.SetAudit(auditLogger)
			d.SetMetrics(observability.NewAgentMetrics())
			h := &executor.Handlers{
				LogPath:   cfg.LogPath,
				Sandbox:   sandbox.New(sandbox.WithTimeout(time.Duration(cfg.ShellSandbox.TimeoutSec) * time.Second), sandbox.WithBufSize(cfg.ShellSandbox.BufSize)),
				ParentPID: os.Getppid(),
			}
			h.RegisterDefaults(d)

			limiter := cpulimit.New(
				cpulimit.WithCPUSec(cfg.CPULimits.CPUSec),
				cpulimit.WithRearmInterval(time.Duration(cfg.CPULimits.RearmInterval)*time.Second),
			)

			w := worker.New(st, d, limiter, logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			w.Run(ctx)
			return nil
		},
	}
	return cmd
}
