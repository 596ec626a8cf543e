// microvm-controld is the control service: it drives snapshot sagas across
// host agents and serves the fleet-facing snapshot API.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/NexusQuantum/microvm/internal/config"
	"github.com/NexusQuantum/microvm/internal/control"
	"github.com/NexusQuantum/microvm/internal/snapshot"
	"github.com/NexusQuantum/microvm/internal/version"
	"github.com/NexusQuantum/microvm/internal/vmstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.L.WithError(err).Error("microvm-controld failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		logLevel string
		addr     string
		agentURL string
	)

	root := &cobra.Command{
		Use:           "microvm-controld",
		Short:         "Control service for microvm snapshots",
		Version:       version.Info(),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return log.SetLevel(logLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), addr, agentURL)
		},
	}

	root.Flags().StringVar(&addr, "addr", "", "listen address (overrides MICROVM_CONTROL_ADDR)")
	root.Flags().StringVar(&agentURL, "agent-url", "", "host agent base URL (overrides MICROVM_AGENT_URL)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log verbosity (debug, info, warn, error)")
	return root
}

func run(ctx context.Context, addr, agentURL string) error {
	cfg := config.LoadControlConfig()
	if addr != "" {
		cfg.ListenAddr = addr
	}
	if agentURL != "" {
		cfg.AgentURL = agentURL
	}

	store, err := vmstore.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	agent := control.NewAgentClient(cfg.AgentURL)
	server := control.NewServer(snapshot.New(agent, agent, store))

	httpServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     server.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.G(ctx).WithFields(log.Fields{
		"addr":    cfg.ListenAddr,
		"agent":   cfg.AgentURL,
		"version": version.Info(),
	}).Info("microvm control service listening")

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
