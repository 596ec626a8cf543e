// Package network provisions the network fabric a microVM needs: bridges,
// tap devices, VXLAN overlays, NAT and DHCP wiring. Provision and teardown
// are idempotent per descriptor.
package network

import (
	"fmt"
	"net"

	"github.com/NexusQuantum/microvm/internal/faults"
)

// Type identifies how a network reaches (or does not reach) the outside.
type Type string

const (
	// TypeNAT gives guests outbound access through MASQUERADE on the uplink.
	TypeNAT Type = "nat"

	// TypeIsolated is a host-only L2 segment with no external path.
	TypeIsolated Type = "isolated"

	// TypeBridged passes guest traffic straight onto the physical uplink.
	TypeBridged Type = "bridged"

	// TypeVXLAN stretches an L2 segment across hosts over an IP underlay.
	TypeVXLAN Type = "vxlan"
)

// Descriptor describes one host-owned network, unique per BridgeName.
type Descriptor struct {
	BridgeName      string `json:"bridge_name"`
	Type            Type   `json:"network_type"`
	CIDR            string `json:"cidr,omitempty"`
	Gateway         string `json:"gateway,omitempty"`
	DHCPEnabled     bool   `json:"dhcp_enabled"`
	DHCPRangeStart  string `json:"dhcp_range_start,omitempty"`
	DHCPRangeEnd    string `json:"dhcp_range_end,omitempty"`
	UplinkInterface string `json:"uplink_interface,omitempty"`
	VNI             uint32 `json:"vni,omitempty"`
	LocalIP         string `json:"local_ip,omitempty"`
	IsGateway       bool   `json:"is_gateway,omitempty"`
}

// Validate rejects malformed descriptors before any side effect.
func (d *Descriptor) Validate() error {
	if d.BridgeName == "" {
		return faults.Configurationf("bridge_name is required")
	}
	switch d.Type {
	case TypeNAT, TypeIsolated:
		if d.CIDR == "" {
			return faults.Configurationf("%s network %s requires cidr", d.Type, d.BridgeName)
		}
	case TypeBridged:
		if d.UplinkInterface == "" {
			return faults.Configurationf("bridged network %s requires uplink_interface", d.BridgeName)
		}
	case TypeVXLAN:
		if d.VNI == 0 {
			return faults.Configurationf("vxlan network %s requires vni", d.BridgeName)
		}
		if d.LocalIP == "" {
			return faults.Configurationf("vxlan network %s requires local_ip", d.BridgeName)
		}
		if d.IsGateway && d.CIDR == "" {
			return faults.Configurationf("vxlan gateway %s requires cidr", d.BridgeName)
		}
	default:
		return faults.Configurationf("unknown network type %q", d.Type)
	}
	if d.DHCPEnabled && (d.DHCPRangeStart == "" || d.DHCPRangeEnd == "") {
		return faults.Configurationf("network %s enables dhcp without a range", d.BridgeName)
	}
	return nil
}

// gatewayCIDR returns the address to assign to the bridge: the gateway IP
// with the prefix length of the network CIDR. When Gateway is empty the
// CIDR is taken verbatim (it already carries the gateway address, as in
// "10.0.0.1/24").
func (d *Descriptor) gatewayCIDR() (string, error) {
	if d.Gateway == "" {
		return d.CIDR, nil
	}
	_, ipNet, err := net.ParseCIDR(d.CIDR)
	if err != nil {
		return "", faults.Configurationf("parse cidr %q: %v", d.CIDR, err)
	}
	ones, _ := ipNet.Mask.Size()
	return fmt.Sprintf("%s/%d", d.Gateway, ones), nil
}

// subnetCIDR returns the network address form of the CIDR, used for
// MASQUERADE source matching.
func (d *Descriptor) subnetCIDR() (string, error) {
	ip, ipNet, err := net.ParseCIDR(d.CIDR)
	if err != nil {
		return "", faults.Configurationf("parse cidr %q: %v", d.CIDR, err)
	}
	ipNet.IP = ip.Mask(ipNet.Mask)
	return ipNet.String(), nil
}

// gatewayIP returns the gateway address without a prefix.
func (d *Descriptor) gatewayIP() string {
	if d.Gateway != "" {
		return d.Gateway
	}
	if ip, _, err := net.ParseCIDR(d.CIDR); err == nil {
		return ip.String()
	}
	return ""
}

// VxlanDeviceName returns the VXLAN device name for a descriptor's VNI.
func VxlanDeviceName(vni uint32) string {
	return fmt.Sprintf("vxlan%d", vni)
}
