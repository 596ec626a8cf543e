package network

import (
	"context"
	"fmt"

	"github.com/containerd/log"
)

// CreateTap builds a fresh tap device attached to bridge. A pre-existing
// device of the same name is deleted first so a crashed VM's leftover tap
// never blocks a restart. owner, when set, becomes the device owner.
func (p *Provisioner) CreateTap(ctx context.Context, name, bridge, owner string) error {
	if name == "" || bridge == "" {
		return fmt.Errorf("create tap: name and bridge are required")
	}

	if err := p.admin.EnsureTap(ctx, name, owner); err != nil {
		return fmt.Errorf("create tap %s: %w", name, err)
	}
	if err := p.admin.AttachToBridge(ctx, name, bridge); err != nil {
		return fmt.Errorf("attach tap %s to %s: %w", name, bridge, err)
	}
	if err := p.admin.LinkUp(ctx, name); err != nil {
		return fmt.Errorf("bring tap %s up: %w", name, err)
	}

	log.G(ctx).WithFields(log.Fields{
		"tap":    name,
		"bridge": bridge,
	}).Debug("tap device ready")
	return nil
}

// DeleteTap removes the device; a missing device is success.
func (p *Provisioner) DeleteTap(ctx context.Context, name string) error {
	return p.admin.DeleteLink(ctx, name)
}
