package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dkrasner/yodi/pkg/audit"
	"github.com/dkrasner/yodi/pkg/client"
	"github.com/dkrasner/yodi/pkg/config"
	"github.com/dkrasner/yodi/pkg/observability"
	"github.com/dkrasner/yodi/pkg/store"
	"github.com/dkrasner/yodi/pkg/transport"
)

func newClientCmd() *cobra.Command {
	var (
		host, uri, user, password, clientID string
		port                                int
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the client role: own the transport session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cfg.Transport = config.Transport{
				Host: host, URI: uri, Port: port,
				ClientID: clientID, User: user, Password: password,
			}
			if err := cfg.Transport.Validate(); err != nil {
				return err
			}

			logger := newLogger()
			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			tr := transport.NewWebSocket(transport.WSConfig{
				URL:      fmt.Sprintf("ws://%s:%d%s", cfg.Host, cfg.Port, cfg.URI),
				User:     cfg.User,
				Password: cfg.Password,
				Logger:   logger,
			})

			clientCfg := client.DefaultConfig(cfg.ClientID)
			clientCfg.ConnectTries = cfg.ConnectTries
			c := client.New(clientCfg, tr, st, logger)
			c.SetAudit(audit.NewLogger(audit.NewFileStore(cfg.AuditDir), cfg.ClientID))
			c.SetMetrics(observability.NewAgentMetrics())

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return c.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&host, "host", "h", "", "broker host (required)")
	cmd.Flags().StringVarP(&uri, "uri", "u", "", "broker URI path (required)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "broker port, 1..65535 (required)")
	cmd.Flags().StringVarP(&clientID, "client-id", "i", "", "this device's client id (required)")
	cmd.Flags().StringVarP(&user, "user", "U", "", "broker username (required)")
	cmd.Flags().StringVarP(&password, "password", "P", "", "broker password (required)")
	for _, f := range []string{"host", "uri", "port", "client-id", "user", "password"} {
		cmd.MarkFlagRequired(f)
	}

	return cmd
}
