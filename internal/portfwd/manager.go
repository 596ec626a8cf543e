package portfwd

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/containerd/log"

	"github.com/NexusQuantum/microvm/internal/faults"
	"github.com/NexusQuantum/microvm/internal/netadmin"
	"github.com/NexusQuantum/microvm/internal/vmstore"
)

// Manager maps host ports to guest addresses with DNAT rules and keeps the
// in-memory reservation registry consistent with the rules it installs.
type Manager struct {
	registry *Registry
	admin    netadmin.NetworkAdmin
	store    *vmstore.Store
}

// NewManager wires a Manager to its registry, network admin and record store.
func NewManager(registry *Registry, admin netadmin.NetworkAdmin, store *vmstore.Store) *Manager {
	return &Manager{registry: registry, admin: admin, store: store}
}

func validProtocol(proto string) bool {
	return proto == "tcp" || proto == "udp"
}

// portListening reports whether any socket line ends in ":<port>". The
// suffix match is exact on the port number, so 8080 does not match a
// listener on 18080.
func portListening(sockets []string, port uint16) bool {
	suffix := ":" + strconv.Itoa(int(port))
	for _, s := range sockets {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

// CheckAvailable reports whether hostPort is free, consulting the in-memory
// registry and then the host socket table.
func (m *Manager) CheckAvailable(ctx context.Context, hostPort uint16) (bool, error) {
	if m.registry.Reserved(hostPort) {
		return false, nil
	}
	sockets, err := m.admin.ListeningSockets(ctx)
	if err != nil {
		return false, err
	}
	return !portListening(sockets, hostPort), nil
}

// Reserve claims hostPort for a forward without installing any rules. It is
// the deferred-installation half of Setup: a rule record can be created
// before the owning VM has reported a guest IP, and the claim keeps the port
// from being handed out twice in the meantime. The reservation is taken
// atomically before the socket-table probe, so a concurrent claim for the
// same port fails with a conflict instead of racing past the availability
// check. A probe hit releases the reservation and reports a conflict.
func (m *Manager) Reserve(ctx context.Context, hostPort uint16, proto string) error {
	if !validProtocol(proto) {
		return faults.Configurationf("unsupported protocol %q, must be tcp or udp", proto)
	}
	if !m.registry.Reserve(hostPort) {
		return faults.Conflictf("host port %d is already reserved", hostPort)
	}
	sockets, err := m.admin.ListeningSockets(ctx)
	if err != nil {
		m.registry.Release(hostPort)
		return err
	}
	if portListening(sockets, hostPort) {
		m.registry.Release(hostPort)
		return faults.Conflictf("host port %d is already in use", hostPort)
	}
	return nil
}

// Setup reserves hostPort and installs DNAT rules forwarding it to
// guestIP:guestPort.
func (m *Manager) Setup(ctx context.Context, hostPort uint16, guestIP string, guestPort uint16, proto string) error {
	if guestIP == "" {
		return faults.Configurationf("guest IP is required to forward port %d", hostPort)
	}
	if err := m.Reserve(ctx, hostPort, proto); err != nil {
		return err
	}
	dest := net.JoinHostPort(guestIP, strconv.Itoa(int(guestPort)))
	m.installRules(ctx, hostPort, dest, proto)
	log.G(ctx).WithFields(log.Fields{
		"host_port": hostPort,
		"dest":      dest,
		"protocol":  proto,
	}).Info("port forward installed")
	return nil
}

// installRules adds the DNAT rules for external traffic (PREROUTING) and
// host-local traffic (OUTPUT). Each rule is best-effort so a partially
// applied firewall does not wedge the forward.
func (m *Manager) installRules(ctx context.Context, hostPort uint16, dest, proto string) {
	netadmin.BestEffort(ctx, "dnat prerouting",
		m.admin.EnsureDNAT(ctx, netadmin.ChainPrerouting, proto, hostPort, dest))
	netadmin.BestEffort(ctx, "dnat output",
		m.admin.EnsureDNAT(ctx, netadmin.ChainOutput, proto, hostPort, dest))
}

// Teardown removes the DNAT rules for a forward and releases the host port.
// Rules that are already gone are treated as removed, and the reservation is
// released unconditionally so repeated teardowns converge on the same state.
// An empty guestIP means the forward was never installed (the record was
// created before the VM reported its IP), so only the reservation is
// released.
func (m *Manager) Teardown(ctx context.Context, hostPort uint16, guestIP string, guestPort uint16, proto string) error {
	if !validProtocol(proto) {
		return faults.Configurationf("unsupported protocol %q, must be tcp or udp", proto)
	}
	if guestIP != "" {
		dest := net.JoinHostPort(guestIP, strconv.Itoa(int(guestPort)))
		netadmin.BestEffort(ctx, "dnat prerouting delete",
			m.admin.DeleteDNAT(ctx, netadmin.ChainPrerouting, proto, hostPort, dest))
		netadmin.BestEffort(ctx, "dnat output delete",
			m.admin.DeleteDNAT(ctx, netadmin.ChainOutput, proto, hostPort, dest))
	}
	m.registry.Release(hostPort)
	log.G(ctx).WithFields(log.Fields{
		"host_port": hostPort,
		"protocol":  proto,
	}).Info("port forward removed")
	return nil
}

// ApplyForwards reinstalls the persisted forwards for a VM, typically after
// the VM (or the agent) restarts. Forwards are skipped silently when the VM
// has no known guest IP yet; they will be applied once it does.
func (m *Manager) ApplyForwards(ctx context.Context, vmID string) error {
	vm, err := m.store.GetVM(ctx, vmID)
	if err != nil {
		return err
	}
	if vm.GuestIP == "" {
		log.G(ctx).WithField("vm", vmID).Debug("no guest IP yet, skipping port forwards")
		return nil
	}
	rules, err := m.store.ForwardsForVM(ctx, vmID)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		// Reservations are in-memory only; after a restart the port may
		// already be ours again, so a failed Reserve is not a conflict here.
		m.registry.Reserve(rule.HostPort)
		dest := net.JoinHostPort(vm.GuestIP, strconv.Itoa(int(rule.GuestPort)))
		m.installRules(ctx, rule.HostPort, dest, rule.Protocol)
	}
	return nil
}

// CleanupForwards removes the DNAT rules for every persisted forward of a VM
// and releases their reservations. The records themselves stay in the store;
// they belong to the VM until it is deleted.
func (m *Manager) CleanupForwards(ctx context.Context, vmID string) error {
	vm, err := m.store.GetVM(ctx, vmID)
	if err != nil {
		return err
	}
	rules, err := m.store.ForwardsForVM(ctx, vmID)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if vm.GuestIP != "" {
			dest := net.JoinHostPort(vm.GuestIP, strconv.Itoa(int(rule.GuestPort)))
			netadmin.BestEffort(ctx, "dnat prerouting delete",
				m.admin.DeleteDNAT(ctx, netadmin.ChainPrerouting, rule.Protocol, rule.HostPort, dest))
			netadmin.BestEffort(ctx, "dnat output delete",
				m.admin.DeleteDNAT(ctx, netadmin.ChainOutput, rule.Protocol, rule.HostPort, dest))
		}
		m.registry.Release(rule.HostPort)
	}
	return nil
}
