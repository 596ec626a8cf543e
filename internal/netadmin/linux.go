//go:build linux

package netadmin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/NexusQuantum/microvm/internal/faults"
)

const vxlanPort = 4789

// linuxAdmin is the production NetworkAdmin. Link operations go through
// netlink; iptables, sysctl, ss and the DHCP daemon are driven through the
// ProcessHost.
type linuxAdmin struct {
	host ProcessHost
}

// NewLinuxAdmin returns the production NetworkAdmin for this host.
func NewLinuxAdmin(host ProcessHost) NetworkAdmin {
	return &linuxAdmin{host: host}
}

func isLinkNotFound(err error) bool {
	var lnf netlink.LinkNotFoundError
	return errors.As(err, &lnf)
}

func (a *linuxAdmin) EnsureBridge(ctx context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err == nil {
		if _, ok := link.(*netlink.Bridge); !ok {
			return faults.Conflictf("link %s exists but is not a bridge", name)
		}
		return nil
	}
	if !isLinkNotFound(err) {
		return faults.Transportf("query link %s: %v", name, err)
	}

	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := netlink.LinkAdd(br); err != nil && !errors.Is(err, unix.EEXIST) {
		return faults.Transportf("create bridge %s: %v", name, err)
	}
	return nil
}

// EnsureTap deletes any pre-existing device of the same name, then creates a
// fresh tap device, optionally owned by owner.
func (a *linuxAdmin) EnsureTap(ctx context.Context, name, owner string) error {
	if link, err := netlink.LinkByName(name); err == nil {
		if err := netlink.LinkDel(link); err != nil {
			return faults.Transportf("reset tap %s: %v", name, err)
		}
	} else if !isLinkNotFound(err) {
		return faults.Transportf("query tap %s: %v", name, err)
	}

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if owner != "" {
		uid, err := lookupUID(owner)
		if err != nil {
			log.G(ctx).WithError(err).WithField("owner", owner).Warn("tap owner lookup failed, creating unowned")
		} else {
			tap.Owner = uid
		}
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return faults.Transportf("create tap %s: %v", name, err)
	}
	return nil
}

func lookupUID(owner string) (uint32, error) {
	u, err := user.Lookup(owner)
	if err != nil {
		return 0, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	return uint32(uid), nil
}

func (a *linuxAdmin) EnsureVxlan(ctx context.Context, name string, vni uint32, localIP string) error {
	local := net.ParseIP(localIP)
	if local == nil {
		return faults.Configurationf("invalid vxlan local ip %q", localIP)
	}

	if link, err := netlink.LinkByName(name); err == nil {
		vx, ok := link.(*netlink.Vxlan)
		if ok && vx.VxlanId == int(vni) && vx.SrcAddr.Equal(local) {
			return nil
		}
		return faults.Conflictf("link %s exists with different vxlan identity", name)
	} else if !isLinkNotFound(err) {
		return faults.Transportf("query link %s: %v", name, err)
	}

	vx := &netlink.Vxlan{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		VxlanId:   int(vni),
		SrcAddr:   local,
		Port:      vxlanPort,
		Learning:  true,
	}
	if err := netlink.LinkAdd(vx); err != nil {
		return faults.Transportf("create vxlan %s (vni %d): %v", name, vni, err)
	}
	return nil
}

func (a *linuxAdmin) DeleteLink(ctx context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return nil
		}
		return faults.Transportf("query link %s: %v", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return faults.Transportf("delete link %s: %v", name, err)
	}
	return nil
}

func (a *linuxAdmin) AttachToBridge(ctx context.Context, linkName, bridge string) error {
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return faults.Transportf("query link %s: %v", linkName, err)
	}
	br, err := netlink.LinkByName(bridge)
	if err != nil {
		return faults.Transportf("query bridge %s: %v", bridge, err)
	}
	if err := netlink.LinkSetMaster(link, br); err != nil {
		return faults.Transportf("attach %s to %s: %v", linkName, bridge, err)
	}
	return nil
}

func (a *linuxAdmin) EnsureAddress(ctx context.Context, linkName, cidr string) error {
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return faults.Configurationf("parse address %q: %v", cidr, err)
	}
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return faults.Transportf("query link %s: %v", linkName, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, unix.EEXIST) {
		return faults.Transportf("assign %s to %s: %v", cidr, linkName, err)
	}
	return nil
}

func (a *linuxAdmin) LinkUp(ctx context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return faults.Transportf("query link %s: %v", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return faults.Transportf("bring %s up: %v", name, err)
	}
	return nil
}

// vxlanPeerNeigh builds the all-zero fdb entry that forwards unknown
// traffic for the segment to a remote VTEP.
func vxlanPeerNeigh(link netlink.Link, peer net.IP) *netlink.Neigh {
	return &netlink.Neigh{
		LinkIndex:    link.Attrs().Index,
		Family:       unix.AF_BRIDGE,
		State:        netlink.NUD_PERMANENT,
		Flags:        netlink.NTF_SELF,
		IP:           peer,
		HardwareAddr: net.HardwareAddr{0, 0, 0, 0, 0, 0},
	}
}

func (a *linuxAdmin) AddVxlanPeer(ctx context.Context, device, peerIP string) error {
	peer := net.ParseIP(peerIP)
	if peer == nil {
		return faults.Configurationf("invalid peer ip %q", peerIP)
	}
	link, err := netlink.LinkByName(device)
	if err != nil {
		return faults.Transportf("query vxlan %s: %v", device, err)
	}
	if err := netlink.NeighAppend(vxlanPeerNeigh(link, peer)); err != nil {
		return faults.Transportf("add vxlan peer %s on %s: %v", peerIP, device, err)
	}
	return nil
}

func (a *linuxAdmin) RemoveVxlanPeer(ctx context.Context, device, peerIP string) error {
	peer := net.ParseIP(peerIP)
	if peer == nil {
		return faults.Configurationf("invalid peer ip %q", peerIP)
	}
	link, err := netlink.LinkByName(device)
	if err != nil {
		if isLinkNotFound(err) {
			return nil
		}
		return faults.Transportf("query vxlan %s: %v", device, err)
	}
	if err := netlink.NeighDel(vxlanPeerNeigh(link, peer)); err != nil && !errors.Is(err, unix.ENOENT) {
		return faults.Transportf("remove vxlan peer %s on %s: %v", peerIP, device, err)
	}
	return nil
}

func (a *linuxAdmin) ListInterfaces(ctx context.Context) ([]Interface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, faults.Transportf("list links: %v", err)
	}
	out := make([]Interface, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		out = append(out, Interface{
			Name: attrs.Name,
			Type: link.Type(),
			Up:   attrs.Flags&net.FlagUp != 0,
		})
	}
	return out, nil
}

func (a *linuxAdmin) LinkStatus(ctx context.Context, name string) (*LinkStatus, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return nil, fmt.Errorf("link %s: %w", name, errdefs.ErrNotFound)
		}
		return nil, faults.Transportf("query link %s: %v", name, err)
	}
	attrs := link.Attrs()
	status := &LinkStatus{
		Name:      attrs.Name,
		Up:        attrs.Flags&net.FlagUp != 0,
		OperState: attrs.OperState.String(),
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		log.G(ctx).WithError(err).WithField("link", name).Warn("list addresses failed")
	}
	for _, addr := range addrs {
		status.Addresses = append(status.Addresses, addr.IPNet.String())
	}
	return status, nil
}

// DefaultUplink returns the interface carrying the default IPv4 route.
func (a *linuxAdmin) DefaultUplink(ctx context.Context) (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", faults.Transportf("list routes: %v", err)
	}
	for _, route := range routes {
		if route.Dst != nil {
			continue
		}
		link, err := netlink.LinkByIndex(route.LinkIndex)
		if err != nil {
			continue
		}
		return link.Attrs().Name, nil
	}
	return "", fmt.Errorf("no default route: %w", errdefs.ErrNotFound)
}

// ListeningSockets returns the local address:port column of the host's
// listening socket table.
func (a *linuxAdmin) ListeningSockets(ctx context.Context) ([]string, error) {
	out, err := a.host.Run(ctx, "ss", "-H", "-tuln")
	if err != nil {
		return nil, faults.Transportf("probe listening sockets: %v", err)
	}
	var sockets []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 5 {
			sockets = append(sockets, fields[4])
		}
	}
	return sockets, nil
}

func (a *linuxAdmin) EnableIPForwarding(ctx context.Context) error {
	_, err := a.host.Run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1")
	return err
}

func masqueradeRule(sourceCIDR, uplink string) []string {
	rule := []string{"POSTROUTING", "-s", sourceCIDR}
	if uplink != "" {
		rule = append(rule, "-o", uplink)
	}
	return append(rule, "-j", "MASQUERADE")
}

// EnsureMasquerade appends the MASQUERADE rule only when a dry-run match
// does not already find it.
func (a *linuxAdmin) EnsureMasquerade(ctx context.Context, sourceCIDR, uplink string) error {
	rule := masqueradeRule(sourceCIDR, uplink)
	if _, err := a.host.Run(ctx, "iptables", append([]string{"-t", "nat", "-C"}, rule...)...); err == nil {
		return nil
	}
	_, err := a.host.Run(ctx, "iptables", append([]string{"-t", "nat", "-A"}, rule...)...)
	return err
}

func (a *linuxAdmin) DeleteMasquerade(ctx context.Context, sourceCIDR, uplink string) error {
	out, err := a.host.Run(ctx, "iptables", append([]string{"-t", "nat", "-D"}, masqueradeRule(sourceCIDR, uplink)...)...)
	if err != nil && !ruleMissing(out) {
		return err
	}
	return nil
}

func dnatRule(chain, proto string, hostPort uint16, dest string) []string {
	return []string{
		chain,
		"-p", proto,
		"--dport", strconv.Itoa(int(hostPort)),
		"-j", "DNAT",
		"--to-destination", dest,
	}
}

func (a *linuxAdmin) EnsureDNAT(ctx context.Context, chain, proto string, hostPort uint16, dest string) error {
	rule := dnatRule(chain, proto, hostPort, dest)
	if _, err := a.host.Run(ctx, "iptables", append([]string{"-t", "nat", "-C"}, rule...)...); err == nil {
		return nil
	}
	_, err := a.host.Run(ctx, "iptables", append([]string{"-t", "nat", "-A"}, rule...)...)
	return err
}

func (a *linuxAdmin) DeleteDNAT(ctx context.Context, chain, proto string, hostPort uint16, dest string) error {
	out, err := a.host.Run(ctx, "iptables", append([]string{"-t", "nat", "-D"}, dnatRule(chain, proto, hostPort, dest)...)...)
	if err != nil && !ruleMissing(out) {
		return err
	}
	return nil
}

// ruleMissing reports whether iptables output describes a rule that is not
// present, which teardown paths treat as success.
func ruleMissing(out string) bool {
	lower := strings.ToLower(out)
	return strings.Contains(lower, "does not exist") ||
		strings.Contains(lower, "no chain/target/match") ||
		strings.Contains(lower, "bad rule")
}

func dnsmasqDir() string {
	if dir := os.Getenv("MICROVM_DNSMASQ_DIR"); dir != "" {
		return dir
	}
	return "/etc/dnsmasq.d"
}

func dnsmasqConfPath(bridge string) string {
	return filepath.Join(dnsmasqDir(), "microvm-"+bridge+".conf")
}

// EnableDHCP writes a per-bridge dnsmasq range binding and restarts the
// daemon to activate it.
func (a *linuxAdmin) EnableDHCP(ctx context.Context, bridge, rangeStart, rangeEnd, gateway string) error {
	conf := fmt.Sprintf(`interface=%s
bind-interfaces
except-interface=lo
dhcp-range=%s,%s,12h
dhcp-option=option:router,%s
`, bridge, rangeStart, rangeEnd, gateway)

	if err := os.MkdirAll(dnsmasqDir(), 0o755); err != nil {
		return fmt.Errorf("create dnsmasq conf dir: %w", err)
	}
	if err := os.WriteFile(dnsmasqConfPath(bridge), []byte(conf), 0o644); err != nil {
		return fmt.Errorf("write dnsmasq conf for %s: %w", bridge, err)
	}
	_, err := a.host.Run(ctx, "systemctl", "restart", "dnsmasq")
	return err
}

func (a *linuxAdmin) DisableDHCP(ctx context.Context, bridge string) error {
	if err := os.Remove(dnsmasqConfPath(bridge)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove dnsmasq conf for %s: %w", bridge, err)
	}
	_, err := a.host.Run(ctx, "systemctl", "restart", "dnsmasq")
	return err
}
