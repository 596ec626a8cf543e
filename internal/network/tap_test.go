package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NexusQuantum/microvm/internal/faults"
	"github.com/NexusQuantum/microvm/internal/netadmin"
)

func TestCreateTap(t *testing.T) {
	ctx := context.Background()
	admin := netadmin.NewFakeAdmin()
	p := NewProvisioner(admin)

	require.NoError(t, p.CreateTap(ctx, "tap-vm1", "br0", "qemu"))

	assert.Equal(t, []string{
		"EnsureTap tap-vm1 qemu",
		"AttachToBridge tap-vm1 br0",
		"LinkUp tap-vm1",
	}, admin.Calls())
}

func TestCreateTap_AttachFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	admin := netadmin.NewFakeAdmin()
	admin.Errs["AttachToBridge"] = faults.Transportf("no such bridge")
	p := NewProvisioner(admin)

	err := p.CreateTap(ctx, "tap-vm1", "br0", "")
	require.Error(t, err)
	assert.True(t, faults.IsTransport(err))
}

func TestDeleteTap_MissingIsSuccess(t *testing.T) {
	ctx := context.Background()
	admin := netadmin.NewFakeAdmin()
	p := NewProvisioner(admin)

	require.NoError(t, p.DeleteTap(ctx, "tap-gone"))
	assert.Equal(t, []string{"DeleteLink tap-gone"}, admin.Calls())
}
