package network

import (
	"context"
	"fmt"

	"github.com/containerd/log"

	"github.com/NexusQuantum/microvm/internal/netadmin"
)

// Provisioner is an idempotent state machine over the four network types.
// The single creating/attaching step that defines a resource is a hard
// failure; secondary steps (forwarding sysctl, NAT rule, DHCP restart) are
// best-effort.
type Provisioner struct {
	admin netadmin.NetworkAdmin
}

// NewProvisioner returns a Provisioner over the given admin.
func NewProvisioner(admin netadmin.NetworkAdmin) *Provisioner {
	return &Provisioner{admin: admin}
}

// Provision brings the described network into existence. Calling it again
// for the same descriptor is a no-op.
func (p *Provisioner) Provision(ctx context.Context, d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	log.G(ctx).WithFields(log.Fields{
		"bridge": d.BridgeName,
		"type":   d.Type,
	}).Info("provisioning network")

	switch d.Type {
	case TypeNAT:
		return p.provisionNAT(ctx, d)
	case TypeIsolated:
		return p.provisionIsolated(ctx, d)
	case TypeBridged:
		return p.provisionBridged(ctx, d)
	case TypeVXLAN:
		return p.provisionVXLAN(ctx, d)
	}
	return nil // unreachable, Validate rejects unknown types
}

func (p *Provisioner) provisionNAT(ctx context.Context, d *Descriptor) error {
	if err := p.bridgeWithAddress(ctx, d); err != nil {
		return err
	}

	netadmin.BestEffort(ctx, "enable ip forwarding", p.admin.EnableIPForwarding(ctx))

	uplink := d.UplinkInterface
	if uplink == "" {
		detected, err := p.admin.DefaultUplink(ctx)
		if err != nil {
			netadmin.BestEffort(ctx, "detect default uplink", err)
		}
		uplink = detected
	}
	subnet, err := d.subnetCIDR()
	if err != nil {
		return err
	}
	netadmin.BestEffort(ctx, "ensure masquerade rule", p.admin.EnsureMasquerade(ctx, subnet, uplink))

	p.enableDHCPIfRequested(ctx, d)
	return nil
}

func (p *Provisioner) provisionIsolated(ctx context.Context, d *Descriptor) error {
	// Same bridge as NAT minus forwarding, MASQUERADE and DHCP: no path to
	// any external network.
	return p.bridgeWithAddress(ctx, d)
}

func (p *Provisioner) provisionBridged(ctx context.Context, d *Descriptor) error {
	// The bridge carries no IP: pure L2 passthrough to the physical uplink.
	if err := p.admin.EnsureBridge(ctx, d.BridgeName); err != nil {
		return fmt.Errorf("provision %s: %w", d.BridgeName, err)
	}
	if err := p.admin.AttachToBridge(ctx, d.UplinkInterface, d.BridgeName); err != nil {
		return fmt.Errorf("provision %s: %w", d.BridgeName, err)
	}
	if err := p.admin.LinkUp(ctx, d.BridgeName); err != nil {
		return fmt.Errorf("provision %s: %w", d.BridgeName, err)
	}
	return nil
}

func (p *Provisioner) provisionVXLAN(ctx context.Context, d *Descriptor) error {
	if err := p.admin.EnsureBridge(ctx, d.BridgeName); err != nil {
		return fmt.Errorf("provision %s: %w", d.BridgeName, err)
	}

	device := VxlanDeviceName(d.VNI)
	if err := p.admin.EnsureVxlan(ctx, device, d.VNI, d.LocalIP); err != nil {
		return fmt.Errorf("provision %s: %w", d.BridgeName, err)
	}
	if err := p.admin.AttachToBridge(ctx, device, d.BridgeName); err != nil {
		return fmt.Errorf("provision %s: %w", d.BridgeName, err)
	}
	if err := p.admin.LinkUp(ctx, device); err != nil {
		return fmt.Errorf("provision %s: %w", d.BridgeName, err)
	}

	if d.IsGateway {
		addr, err := d.gatewayCIDR()
		if err != nil {
			return err
		}
		if err := p.admin.EnsureAddress(ctx, d.BridgeName, addr); err != nil {
			return fmt.Errorf("provision %s: %w", d.BridgeName, err)
		}
	}
	if err := p.admin.LinkUp(ctx, d.BridgeName); err != nil {
		return fmt.Errorf("provision %s: %w", d.BridgeName, err)
	}
	if d.IsGateway {
		p.enableDHCPIfRequested(ctx, d)
	}
	return nil
}

// bridgeWithAddress is the shared nat/isolated base: bridge present,
// gateway address assigned, link up.
func (p *Provisioner) bridgeWithAddress(ctx context.Context, d *Descriptor) error {
	if err := p.admin.EnsureBridge(ctx, d.BridgeName); err != nil {
		return fmt.Errorf("provision %s: %w", d.BridgeName, err)
	}
	addr, err := d.gatewayCIDR()
	if err != nil {
		return err
	}
	if err := p.admin.EnsureAddress(ctx, d.BridgeName, addr); err != nil {
		return fmt.Errorf("provision %s: %w", d.BridgeName, err)
	}
	if err := p.admin.LinkUp(ctx, d.BridgeName); err != nil {
		return fmt.Errorf("provision %s: %w", d.BridgeName, err)
	}
	return nil
}

func (p *Provisioner) enableDHCPIfRequested(ctx context.Context, d *Descriptor) {
	if !d.DHCPEnabled {
		return
	}
	netadmin.BestEffort(ctx, "enable dhcp",
		p.admin.EnableDHCP(ctx, d.BridgeName, d.DHCPRangeStart, d.DHCPRangeEnd, d.gatewayIP()))
}

// Teardown mirrors Provision per type, removing rules and devices in
// reverse order. Every step treats "resource not found" as success, and a
// failed step never blocks the remaining ones.
func (p *Provisioner) Teardown(ctx context.Context, d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	log.G(ctx).WithFields(log.Fields{
		"bridge": d.BridgeName,
		"type":   d.Type,
	}).Info("tearing down network")

	switch d.Type {
	case TypeNAT:
		if d.DHCPEnabled {
			netadmin.BestEffort(ctx, "disable dhcp", p.admin.DisableDHCP(ctx, d.BridgeName))
		}
		if subnet, err := d.subnetCIDR(); err == nil {
			uplink := d.UplinkInterface
			if uplink == "" {
				uplink, _ = p.admin.DefaultUplink(ctx)
			}
			netadmin.BestEffort(ctx, "delete masquerade rule", p.admin.DeleteMasquerade(ctx, subnet, uplink))
		}
	case TypeVXLAN:
		if d.IsGateway && d.DHCPEnabled {
			netadmin.BestEffort(ctx, "disable dhcp", p.admin.DisableDHCP(ctx, d.BridgeName))
		}
		netadmin.BestEffort(ctx, "delete vxlan device", p.admin.DeleteLink(ctx, VxlanDeviceName(d.VNI)))
	}

	netadmin.BestEffort(ctx, "delete bridge", p.admin.DeleteLink(ctx, d.BridgeName))
	return nil
}

// AddPeer adds a remote forwarding entry for a VXLAN segment.
func (p *Provisioner) AddPeer(ctx context.Context, vni uint32, peerIP string) error {
	return p.admin.AddVxlanPeer(ctx, VxlanDeviceName(vni), peerIP)
}

// RemovePeer removes a remote forwarding entry; a missing entry is success.
func (p *Provisioner) RemovePeer(ctx context.Context, vni uint32, peerIP string) error {
	return p.admin.RemoveVxlanPeer(ctx, VxlanDeviceName(vni), peerIP)
}

// ListInterfaces enumerates the host's network interfaces.
func (p *Provisioner) ListInterfaces(ctx context.Context) ([]netadmin.Interface, error) {
	return p.admin.ListInterfaces(ctx)
}

// Status reports the administrative/operational state of a bridge.
func (p *Provisioner) Status(ctx context.Context, bridge string) (*netadmin.LinkStatus, error) {
	return p.admin.LinkStatus(ctx, bridge)
}
