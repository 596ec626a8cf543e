package vmstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NexusQuantum/microvm/internal/network"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "microvm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestVMRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	vm := &VMRecord{ID: "vm1", Name: "worker", State: VMStateRunning, GuestIP: "10.0.0.5"}
	require.NoError(t, s.PutVM(ctx, vm))

	got, err := s.GetVM(ctx, "vm1")
	require.NoError(t, err)
	assert.Equal(t, vm, got)

	require.NoError(t, s.DeleteVM(ctx, "vm1"))
	_, err = s.GetVM(ctx, "vm1")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestForwardsForVM(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutForward(ctx, &PortForwardRule{ID: "f1", VMID: "vm1", HostPort: 8080, GuestPort: 80, Protocol: "tcp"}))
	require.NoError(t, s.PutForward(ctx, &PortForwardRule{ID: "f2", VMID: "vm1", HostPort: 8443, GuestPort: 443, Protocol: "tcp"}))
	require.NoError(t, s.PutForward(ctx, &PortForwardRule{ID: "f3", VMID: "vm2", HostPort: 9090, GuestPort: 90, Protocol: "udp"}))

	rules, err := s.ForwardsForVM(ctx, "vm1")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, uint16(8080), rules[0].HostPort)

	require.NoError(t, s.DeleteForward(ctx, "vm1", "f1"))
	rules, err = s.ForwardsForVM(ctx, "vm1")
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestSnapshotsForVM(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutSnapshot(ctx, &SnapshotRecord{ID: "s1", VMID: "vm1", State: SnapshotStateAvailable, SizeBytes: 42}))
	require.NoError(t, s.PutSnapshot(ctx, &SnapshotRecord{ID: "s2", VMID: "vm2", State: SnapshotStateAvailable}))

	recs, err := s.SnapshotsForVM(ctx, "vm1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "s1", recs[0].ID)

	got, err := s.GetSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.SizeBytes)
}

func TestNetworkRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d := &network.Descriptor{
		BridgeName: "br0",
		Type:       network.TypeNAT,
		CIDR:       "10.0.0.1/24",
	}
	require.NoError(t, s.PutNetwork(ctx, d))

	got, err := s.GetNetwork(ctx, "br0")
	require.NoError(t, err)
	assert.Equal(t, d, got)

	require.NoError(t, s.DeleteNetwork(ctx, "br0"))
	_, err = s.GetNetwork(ctx, "br0")
	assert.True(t, errdefs.IsNotFound(err))
}
