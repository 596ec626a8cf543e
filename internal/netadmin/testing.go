package netadmin

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
)

// FakeAdmin is a NetworkAdmin that records every call and returns canned
// results. Error injection is keyed by method name.
type FakeAdmin struct {
	mu    sync.Mutex
	calls []string

	// Errs injects an error per method name (e.g. "EnsureBridge").
	Errs map[string]error

	// Statuses backs LinkStatus; links absent from the map are not found.
	Statuses map[string]*LinkStatus

	// Interfaces backs ListInterfaces.
	Interfaces []Interface

	// Listening backs ListeningSockets.
	Listening []string

	// Uplink backs DefaultUplink.
	Uplink string
}

// NewFakeAdmin returns an empty recording admin.
func NewFakeAdmin() *FakeAdmin {
	return &FakeAdmin{
		Errs:     map[string]error{},
		Statuses: map[string]*LinkStatus{},
	}
}

func (f *FakeAdmin) record(method string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := []string{method}
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	f.calls = append(f.calls, strings.Join(parts, " "))
	return f.Errs[method]
}

// Calls returns every recorded call as "Method arg1 arg2 ...".
func (f *FakeAdmin) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallsTo returns the recorded calls for one method.
func (f *FakeAdmin) CallsTo(method string) []string {
	var out []string
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, method+" ") || c == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *FakeAdmin) EnsureBridge(ctx context.Context, name string) error {
	return f.record("EnsureBridge", name)
}

func (f *FakeAdmin) EnsureTap(ctx context.Context, name, owner string) error {
	return f.record("EnsureTap", name, owner)
}

func (f *FakeAdmin) EnsureVxlan(ctx context.Context, name string, vni uint32, localIP string) error {
	return f.record("EnsureVxlan", name, vni, localIP)
}

func (f *FakeAdmin) DeleteLink(ctx context.Context, name string) error {
	return f.record("DeleteLink", name)
}

func (f *FakeAdmin) AttachToBridge(ctx context.Context, link, bridge string) error {
	return f.record("AttachToBridge", link, bridge)
}

func (f *FakeAdmin) EnsureAddress(ctx context.Context, link, cidr string) error {
	return f.record("EnsureAddress", link, cidr)
}

func (f *FakeAdmin) LinkUp(ctx context.Context, name string) error {
	return f.record("LinkUp", name)
}

func (f *FakeAdmin) AddVxlanPeer(ctx context.Context, device, peerIP string) error {
	return f.record("AddVxlanPeer", device, peerIP)
}

func (f *FakeAdmin) RemoveVxlanPeer(ctx context.Context, device, peerIP string) error {
	return f.record("RemoveVxlanPeer", device, peerIP)
}

func (f *FakeAdmin) ListInterfaces(ctx context.Context) ([]Interface, error) {
	if err := f.record("ListInterfaces"); err != nil {
		return nil, err
	}
	return f.Interfaces, nil
}

func (f *FakeAdmin) LinkStatus(ctx context.Context, name string) (*LinkStatus, error) {
	if err := f.record("LinkStatus", name); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.Statuses[name]; ok {
		return st, nil
	}
	return nil, fmt.Errorf("link %s: %w", name, errdefs.ErrNotFound)
}

func (f *FakeAdmin) DefaultUplink(ctx context.Context) (string, error) {
	if err := f.record("DefaultUplink"); err != nil {
		return "", err
	}
	if f.Uplink == "" {
		return "", fmt.Errorf("no default route: %w", errdefs.ErrNotFound)
	}
	return f.Uplink, nil
}

func (f *FakeAdmin) ListeningSockets(ctx context.Context) ([]string, error) {
	if err := f.record("ListeningSockets"); err != nil {
		return nil, err
	}
	return f.Listening, nil
}

func (f *FakeAdmin) EnableIPForwarding(ctx context.Context) error {
	return f.record("EnableIPForwarding")
}

func (f *FakeAdmin) EnsureMasquerade(ctx context.Context, sourceCIDR, uplink string) error {
	return f.record("EnsureMasquerade", sourceCIDR, uplink)
}

func (f *FakeAdmin) DeleteMasquerade(ctx context.Context, sourceCIDR, uplink string) error {
	return f.record("DeleteMasquerade", sourceCIDR, uplink)
}

func (f *FakeAdmin) EnsureDNAT(ctx context.Context, chain, proto string, hostPort uint16, dest string) error {
	return f.record("EnsureDNAT", chain, proto, hostPort, dest)
}

func (f *FakeAdmin) DeleteDNAT(ctx context.Context, chain, proto string, hostPort uint16, dest string) error {
	return f.record("DeleteDNAT", chain, proto, hostPort, dest)
}

func (f *FakeAdmin) EnableDHCP(ctx context.Context, bridge, rangeStart, rangeEnd, gateway string) error {
	return f.record("EnableDHCP", bridge, rangeStart, rangeEnd, gateway)
}

func (f *FakeAdmin) DisableDHCP(ctx context.Context, bridge string) error {
	return f.record("DisableDHCP", bridge)
}

// RecorderHost is a ProcessHost that records commands and returns canned
// output. Outputs and Errs are keyed by "name arg1 arg2 ..." with a
// fallback on the bare command name.
type RecorderHost struct {
	mu       sync.Mutex
	commands []string

	Outputs map[string]string
	Errs    map[string]error
}

// NewRecorderHost returns an empty recording host.
func NewRecorderHost() *RecorderHost {
	return &RecorderHost{
		Outputs: map[string]string{},
		Errs:    map[string]error{},
	}
}

func (r *RecorderHost) Run(ctx context.Context, name string, args ...string) (string, error) {
	full := strings.TrimSpace(name + " " + strings.Join(args, " "))
	r.mu.Lock()
	r.commands = append(r.commands, full)
	r.mu.Unlock()

	for _, key := range []string{full, name} {
		if err, ok := r.Errs[key]; ok {
			return r.Outputs[key], err
		}
		if out, ok := r.Outputs[key]; ok {
			return out, nil
		}
	}
	return "", nil
}

// Commands returns every recorded command line.
func (r *RecorderHost) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}
