// microvm-agentd is the per-host agent: it provisions network fabric,
// supervises hypervisor processes and manages port forwards on one machine.
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

	"github.com/NexusQuantum/microvm/internal/agent"
	"github.com/NexusQuantum/microvm/internal/config"
	"github.com/NexusQuantum/microvm/internal/netadmin"
	"github.com/NexusQuantum/microvm/internal/network"
	"github.com/NexusQuantum/microvm/internal/portfwd"
	"github.com/NexusQuantum/microvm/internal/supervisor"
	"github.com/NexusQuantum/microvm/internal/udsproxy"
	"github.com/NexusQuantum/microvm/internal/version"
	"github.com/NexusQuantum/microvm/internal/vmstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.L.WithError(err).Error("microvm-agentd failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		logLevel string
		addr     string
	)

	root := &cobra.Command{
		Use:           "microvm-agentd",
		Short:         "Host agent for microvm networks, hypervisors and port forwards",
		Version:       version.Info(),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return log.SetLevel(logLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), addr)
		},
	}

	root.Flags().StringVar(&addr, "addr", "", "listen address (overrides MICROVM_AGENT_ADDR)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log verbosity (debug, info, warn, error)")
	return root
}

func run(ctx context.Context, addr string) error {
	cfg := config.LoadAgentConfig()
	if addr != "" {
		cfg.ListenAddr = addr
	}

	store, err := vmstore.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	host := netadmin.ExecHost{}
	admin := netadmin.NewLinuxAdmin(host)
	server := agent.NewServer(
		cfg,
		network.NewProvisioner(admin),
		supervisor.New(host, cfg.HypervisorPath),
		udsproxy.New(),
		portfwd.NewManager(portfwd.NewRegistry(), admin, store),
		store,
	)

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
		"db":      cfg.DBPath,
		"version": version.Info(),
	}).Info("microvm agent listening")

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
