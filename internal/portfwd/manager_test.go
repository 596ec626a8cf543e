package portfwd

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NexusQuantum/microvm/internal/faults"
	"github.com/NexusQuantum/microvm/internal/netadmin"
	"github.com/NexusQuantum/microvm/internal/vmstore"
)

func newTestManager(t *testing.T) (*Manager, *netadmin.FakeAdmin, *vmstore.Store) {
	t.Helper()
	store, err := vmstore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	admin := netadmin.NewFakeAdmin()
	return NewManager(NewRegistry(), admin, store), admin, store
}

func TestRegistryReserveRelease(t *testing.T) {
	r := NewRegistry()

	require.True(t, r.Reserve(8080))
	assert.True(t, r.Reserved(8080))
	assert.False(t, r.Reserve(8080))

	r.Release(8080)
	assert.False(t, r.Reserved(8080))
	assert.True(t, r.Reserve(8080))

	// Releasing a port that was never reserved must not panic.
	r.Release(9999)
}

func TestRegistryConcurrentReserve(t *testing.T) {
	r := NewRegistry()

	const workers = 32
	var wg sync.WaitGroup
	won := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Reserve(8080) {
				won <- 1
			}
		}()
	}
	wg.Wait()
	close(won)

	total := 0
	for range won {
		total++
	}
	assert.Equal(t, 1, total, "exactly one goroutine may win the port")
}

func TestSetupInstallsBothRules(t *testing.T) {
	m, admin, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Setup(ctx, 8080, "10.0.0.2", 80, "tcp"))

	assert.Equal(t, []string{
		"EnsureDNAT PREROUTING tcp 8080 10.0.0.2:80",
		"EnsureDNAT OUTPUT tcp 8080 10.0.0.2:80",
	}, admin.CallsTo("EnsureDNAT"))
	assert.True(t, m.registry.Reserved(8080))
}

func TestSetupRejectsBadProtocolBeforeSideEffects(t *testing.T) {
	m, admin, _ := newTestManager(t)

	err := m.Setup(context.Background(), 8080, "10.0.0.2", 80, "sctp")
	require.Error(t, err)
	assert.True(t, faults.IsConfiguration(err))
	assert.Empty(t, admin.Calls(), "invalid protocol must not touch the host")
	assert.False(t, m.registry.Reserved(8080))
}

func TestSetupRejectsMissingGuestIP(t *testing.T) {
	m, admin, _ := newTestManager(t)

	err := m.Setup(context.Background(), 8080, "", 80, "tcp")
	require.Error(t, err)
	assert.True(t, faults.IsConfiguration(err))
	assert.Empty(t, admin.Calls())
}

func TestReserveClaimsWithoutInstalling(t *testing.T) {
	m, admin, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Reserve(ctx, 8080, "tcp"))
	assert.True(t, m.registry.Reserved(8080))
	assert.Empty(t, admin.CallsTo("EnsureDNAT"))

	// A later setup for the same port conflicts with the claim.
	err := m.Setup(ctx, 8080, "10.0.0.2", 80, "tcp")
	require.Error(t, err)
	assert.True(t, faults.IsConflict(err))
}

func TestReserveConflictsOnListeningSocket(t *testing.T) {
	m, admin, _ := newTestManager(t)
	admin.Listening = []string{"0.0.0.0:8080"}

	err := m.Reserve(context.Background(), 8080, "tcp")
	require.Error(t, err)
	assert.True(t, faults.IsConflict(err))
	assert.False(t, m.registry.Reserved(8080))
}

func TestSetupConflictsOnReservedPort(t *testing.T) {
	m, admin, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Setup(ctx, 8080, "10.0.0.2", 80, "tcp"))

	err := m.Setup(ctx, 8080, "10.0.0.3", 81, "tcp")
	require.Error(t, err)
	assert.True(t, faults.IsConflict(err))
	// Only the first setup installed rules.
	assert.Len(t, admin.CallsTo("EnsureDNAT"), 2)
	// The original reservation must survive the failed attempt.
	assert.True(t, m.registry.Reserved(8080))
}

func TestSetupConflictsOnListeningSocket(t *testing.T) {
	m, admin, _ := newTestManager(t)
	admin.Listening = []string{"0.0.0.0:8080"}

	err := m.Setup(context.Background(), 8080, "10.0.0.2", 80, "tcp")
	require.Error(t, err)
	assert.True(t, faults.IsConflict(err))
	assert.Empty(t, admin.CallsTo("EnsureDNAT"))
	assert.False(t, m.registry.Reserved(8080), "failed setup must release the port")
}

func TestSetupReleasesPortOnProbeError(t *testing.T) {
	m, admin, _ := newTestManager(t)
	admin.Errs["ListeningSockets"] = assert.AnError

	err := m.Setup(context.Background(), 8080, "10.0.0.2", 80, "tcp")
	require.Error(t, err)
	assert.False(t, m.registry.Reserved(8080))
}

func TestPortSuffixMatchIsExact(t *testing.T) {
	sockets := []string{"0.0.0.0:18080", "[::]:18080", "127.0.0.1:808"}
	assert.False(t, portListening(sockets, 8080))
	assert.True(t, portListening(append(sockets, "[::]:8080"), 8080))
}

func TestCheckAvailable(t *testing.T) {
	m, admin, _ := newTestManager(t)
	ctx := context.Background()

	free, err := m.CheckAvailable(ctx, 8080)
	require.NoError(t, err)
	assert.True(t, free)

	require.NoError(t, m.Setup(ctx, 8080, "10.0.0.2", 80, "tcp"))
	free, err = m.CheckAvailable(ctx, 8080)
	require.NoError(t, err)
	assert.False(t, free)

	require.NoError(t, m.Teardown(ctx, 8080, "10.0.0.2", 80, "tcp"))
	free, err = m.CheckAvailable(ctx, 8080)
	require.NoError(t, err)
	assert.True(t, free)

	admin.Listening = []string{"0.0.0.0:8080"}
	free, err = m.CheckAvailable(ctx, 8080)
	require.NoError(t, err)
	assert.False(t, free)
}

func TestTeardownRemovesRulesAndReleases(t *testing.T) {
	m, admin, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Setup(ctx, 8080, "10.0.0.2", 80, "tcp"))
	require.NoError(t, m.Teardown(ctx, 8080, "10.0.0.2", 80, "tcp"))

	assert.Equal(t, []string{
		"DeleteDNAT PREROUTING tcp 8080 10.0.0.2:80",
		"DeleteDNAT OUTPUT tcp 8080 10.0.0.2:80",
	}, admin.CallsTo("DeleteDNAT"))
	assert.False(t, m.registry.Reserved(8080))
}

func TestTeardownIsIdempotent(t *testing.T) {
	m, admin, _ := newTestManager(t)
	ctx := context.Background()

	// Never set up; the rules do not exist.
	require.NoError(t, m.Teardown(ctx, 8080, "10.0.0.2", 80, "tcp"))
	require.NoError(t, m.Teardown(ctx, 8080, "10.0.0.2", 80, "tcp"))
	assert.Len(t, admin.CallsTo("DeleteDNAT"), 4)
}

func TestTeardownWithoutGuestIPOnlyReleases(t *testing.T) {
	m, admin, _ := newTestManager(t)
	ctx := context.Background()

	// Reserved before the guest IP was known; no rules were installed.
	require.NoError(t, m.Reserve(ctx, 8080, "tcp"))
	require.NoError(t, m.Teardown(ctx, 8080, "", 80, "tcp"))

	assert.Empty(t, admin.CallsTo("DeleteDNAT"))
	assert.False(t, m.registry.Reserved(8080))
}

func TestTeardownReleasesEvenWhenDeleteFails(t *testing.T) {
	m, admin, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Setup(ctx, 8080, "10.0.0.2", 80, "tcp"))
	admin.Errs["DeleteDNAT"] = assert.AnError

	require.NoError(t, m.Teardown(ctx, 8080, "10.0.0.2", 80, "tcp"))
	assert.False(t, m.registry.Reserved(8080))
}

func TestApplyForwards(t *testing.T) {
	m, admin, store := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, store.PutVM(ctx, &vmstore.VMRecord{
		ID: "vm1", Name: "web", State: vmstore.VMStateRunning, GuestIP: "10.0.0.2",
	}))
	require.NoError(t, store.PutForward(ctx, &vmstore.PortForwardRule{
		ID: "r1", VMID: "vm1", HostPort: 8080, GuestPort: 80, Protocol: "tcp",
	}))
	require.NoError(t, store.PutForward(ctx, &vmstore.PortForwardRule{
		ID: "r2", VMID: "vm1", HostPort: 8443, GuestPort: 443, Protocol: "tcp",
	}))

	require.NoError(t, m.ApplyForwards(ctx, "vm1"))

	assert.Len(t, admin.CallsTo("EnsureDNAT"), 4)
	assert.True(t, m.registry.Reserved(8080))
	assert.True(t, m.registry.Reserved(8443))
}

func TestApplyForwardsSkipsWithoutGuestIP(t *testing.T) {
	m, admin, store := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, store.PutVM(ctx, &vmstore.VMRecord{
		ID: "vm1", Name: "web", State: vmstore.VMStateCreated,
	}))
	require.NoError(t, store.PutForward(ctx, &vmstore.PortForwardRule{
		ID: "r1", VMID: "vm1", HostPort: 8080, GuestPort: 80, Protocol: "tcp",
	}))

	require.NoError(t, m.ApplyForwards(ctx, "vm1"))
	assert.Empty(t, admin.CallsTo("EnsureDNAT"))
	assert.False(t, m.registry.Reserved(8080))
}

func TestCleanupForwards(t *testing.T) {
	m, admin, store := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, store.PutVM(ctx, &vmstore.VMRecord{
		ID: "vm1", Name: "web", State: vmstore.VMStateRunning, GuestIP: "10.0.0.2",
	}))
	require.NoError(t, store.PutForward(ctx, &vmstore.PortForwardRule{
		ID: "r1", VMID: "vm1", HostPort: 8080, GuestPort: 80, Protocol: "tcp",
	}))
	require.NoError(t, m.ApplyForwards(ctx, "vm1"))

	require.NoError(t, m.CleanupForwards(ctx, "vm1"))
	assert.Len(t, admin.CallsTo("DeleteDNAT"), 2)
	assert.False(t, m.registry.Reserved(8080))

	// Records survive cleanup; they belong to the VM, not the firewall.
	rules, err := store.ForwardsForVM(ctx, "vm1")
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}
