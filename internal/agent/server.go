// Package agent exposes the host agent's HTTP API: network provisioning,
// VM lifecycle, port forwarding, snapshot preparation, and pass-through
// access to each VM's hypervisor control socket.
package agent

import (
	"context"
	"io"
	"net/http"

	"github.com/NexusQuantum/microvm/internal/config"
	"github.com/NexusQuantum/microvm/internal/hvclient"
	"github.com/NexusQuantum/microvm/internal/network"
	"github.com/NexusQuantum/microvm/internal/portfwd"
	"github.com/NexusQuantum/microvm/internal/snapshot"
	"github.com/NexusQuantum/microvm/internal/udsproxy"
	"github.com/NexusQuantum/microvm/internal/vmstore"
)

// VMSupervisor manages hypervisor processes and their consoles.
type VMSupervisor interface {
	Spawn(ctx context.Context, unitName, socketPath string) error
	Stop(ctx context.Context, unitName string) error
	ProxyConsole(ctx context.Context, unitName string, rw io.ReadWriteCloser) error
}

// Server is the host agent HTTP server.
type Server struct {
	cfg      config.AgentConfig
	networks *network.Provisioner
	sup      VMSupervisor
	proxy    *udsproxy.Proxy
	hv       *hvclient.Client
	forwards *portfwd.Manager
	store    *vmstore.Store

	// vmLocks serializes mutating operations per VM: a stop must not
	// interleave with a port-forward apply, a pause with a start.
	vmLocks *snapshot.KeyedMutex
}

// NewServer wires the agent server to its collaborators.
func NewServer(cfg config.AgentConfig, networks *network.Provisioner, sup VMSupervisor,
	proxy *udsproxy.Proxy, forwards *portfwd.Manager, store *vmstore.Store) *Server {
	return &Server{
		cfg:      cfg,
		networks: networks,
		sup:      sup,
		proxy:    proxy,
		hv:       hvclient.New(proxy),
		forwards: forwards,
		store:    store,
		vmLocks:  snapshot.NewKeyedMutex(),
	}
}

// Handler returns the agent's routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /provision", s.handleProvision)
	mux.HandleFunc("POST /teardown", s.handleTeardown)
	mux.HandleFunc("GET /interfaces", s.handleInterfaces)
	mux.HandleFunc("GET /status/{bridge}", s.handleStatus)
	mux.HandleFunc("POST /taps", s.handleCreateTap)
	mux.HandleFunc("DELETE /taps/{name}", s.handleDeleteTap)
	mux.HandleFunc("POST /peers/add", s.handleAddPeer)
	mux.HandleFunc("POST /peers/remove", s.handleRemovePeer)

	mux.HandleFunc("POST /vms/{id}/start", s.handleStart)
	mux.HandleFunc("POST /vms/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /vms/{id}/port-forward", s.handleAddForward)
	mux.HandleFunc("DELETE /vms/{id}/port-forward", s.handleRemoveForward)
	mux.HandleFunc("POST /vms/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /vms/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /vms/{id}/snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /vms/{id}/snapshots/prepare", s.handlePrepareSnapshot)
	mux.HandleFunc("POST /vms/{id}/console", s.handleConsole)
	mux.HandleFunc("/vms/{id}/hypervisor/{path...}", s.handleHypervisor)

	return mux
}
