// Package netadmin wraps the OS network primitives used by the control
// plane: link create/delete, address assignment, iptables rule management
// and DHCP daemon configuration.
//
// Orchestration code depends only on the NetworkAdmin and ProcessHost
// interfaces. The production adapters drive netlink and external commands;
// the fakes in testing.go record calls and return canned results so the
// orchestration logic is unit-testable without root privileges.
package netadmin

import (
	"context"

	"github.com/containerd/log"
)

// Interface describes a host network interface.
type Interface struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Up   bool   `json:"up"`
}

// LinkStatus reports the administrative and operational state of a link.
type LinkStatus struct {
	Name      string   `json:"name"`
	Up        bool     `json:"up"`
	OperState string   `json:"oper_state"`
	Addresses []string `json:"addresses,omitempty"`
}

// NetworkAdmin abstracts host network administration. Every Delete and
// Remove operation treats "resource not found" as success.
type NetworkAdmin interface {
	// Link lifecycle.
	EnsureBridge(ctx context.Context, name string) error
	EnsureTap(ctx context.Context, name, owner string) error
	EnsureVxlan(ctx context.Context, name string, vni uint32, localIP string) error
	DeleteLink(ctx context.Context, name string) error
	AttachToBridge(ctx context.Context, link, bridge string) error
	EnsureAddress(ctx context.Context, link, cidr string) error
	LinkUp(ctx context.Context, name string) error

	// VXLAN peer forwarding entries.
	AddVxlanPeer(ctx context.Context, device, peerIP string) error
	RemoveVxlanPeer(ctx context.Context, device, peerIP string) error

	// Queries.
	ListInterfaces(ctx context.Context) ([]Interface, error)
	LinkStatus(ctx context.Context, name string) (*LinkStatus, error)
	DefaultUplink(ctx context.Context) (string, error)
	ListeningSockets(ctx context.Context) ([]string, error)

	// Packet filtering and addressing services.
	EnableIPForwarding(ctx context.Context) error
	EnsureMasquerade(ctx context.Context, sourceCIDR, uplink string) error
	DeleteMasquerade(ctx context.Context, sourceCIDR, uplink string) error
	EnsureDNAT(ctx context.Context, chain, proto string, hostPort uint16, dest string) error
	DeleteDNAT(ctx context.Context, chain, proto string, hostPort uint16, dest string) error
	EnableDHCP(ctx context.Context, bridge, rangeStart, rangeEnd, gateway string) error
	DisableDHCP(ctx context.Context, bridge string) error
}

// ProcessHost abstracts external command execution.
type ProcessHost interface {
	// Run executes a command and returns its combined output. A non-nil
	// error wraps the exit failure together with the output.
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// DNAT chains used by the port forward manager.
const (
	ChainPrerouting = "PREROUTING" // externally-originated traffic
	ChainOutput     = "OUTPUT"     // host-machine-originated traffic
)

// BestEffort logs a failed secondary step and moves on. Teardown and
// cleanup paths use it so one failed delete never blocks the rest.
func BestEffort(ctx context.Context, step string, err error) {
	if err == nil {
		return
	}
	log.G(ctx).WithError(err).WithField("step", step).Warn("best-effort step failed")
}
