// Package snapshot coordinates VM snapshot creation across the hypervisor
// and the host agent: pause, prepare paths, snapshot, resume.
package snapshot

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/NexusQuantum/microvm/internal/faults"
	"github.com/NexusQuantum/microvm/internal/vmstore"
)

// resumeTimeout bounds the resume compensation so a hung hypervisor cannot
// pin the orchestrator forever.
const resumeTimeout = 30 * time.Second

// PrepareResult is what the host agent reports for a snapshot's on-disk
// locations. Sizes are zero until the files exist.
type PrepareResult struct {
	SnapshotPath string `json:"snapshot_path"`
	MemPath      string `json:"mem_path"`
	SnapshotSize uint64 `json:"snapshot_size_bytes,omitempty"`
	MemSize      uint64 `json:"mem_size_bytes,omitempty"`
}

// AgentClient is the slice of the host agent the orchestrator needs.
type AgentClient interface {
	// PrepareSnapshot allocates canonical paths for a snapshot and returns
	// the current sizes of any files already at those paths. It is
	// idempotent.
	PrepareSnapshot(ctx context.Context, vmID, snapshotID string) (*PrepareResult, error)
}

// Hypervisor is the slice of the hypervisor control API the orchestrator
// needs.
type Hypervisor interface {
	Pause(ctx context.Context, vmID string) error
	Resume(ctx context.Context, vmID string) error
	CreateSnapshot(ctx context.Context, vmID, snapshotPath, memPath string) error
}

// Orchestrator runs the snapshot saga and persists the resulting records.
type Orchestrator struct {
	agent AgentClient
	hv    Hypervisor
	store *vmstore.Store
	locks *KeyedMutex
}

// New wires an Orchestrator to its agent, hypervisor and store.
func New(agent AgentClient, hv Hypervisor, store *vmstore.Store) *Orchestrator {
	return &Orchestrator{
		agent: agent,
		hv:    hv,
		store: store,
		locks: NewKeyedMutex(),
	}
}

// CreateSnapshot pauses the VM, has the agent prepare snapshot paths, tells
// the hypervisor to snapshot, and resumes the VM. Once the pause succeeds
// the resume runs exactly once no matter how the rest of the saga ends,
// including when the caller's context is already cancelled. A resume failure
// is logged, never returned: the snapshot outcome is decided by the snapshot
// step alone.
func (o *Orchestrator) CreateSnapshot(ctx context.Context, vmID string) (*vmstore.SnapshotRecord, error) {
	unlock := o.locks.Lock(vmID)
	defer unlock()

	vm, err := o.store.GetVM(ctx, vmID)
	if err != nil {
		return nil, err
	}
	if vm.State != vmstore.VMStateRunning {
		return nil, faults.Conflictf("vm %s is %s, snapshots need a running vm", vmID, vm.State)
	}

	snapshotID := uuid.NewString()
	if err := o.hv.Pause(ctx, vmID); err != nil {
		return nil, fmt.Errorf("pausing vm %s: %w", vmID, err)
	}
	defer o.resume(ctx, vmID)

	prep, err := o.agent.PrepareSnapshot(ctx, vmID, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("preparing snapshot %s: %w", snapshotID, err)
	}

	if err := o.hv.CreateSnapshot(ctx, vmID, prep.SnapshotPath, prep.MemPath); err != nil {
		return nil, fmt.Errorf("snapshotting vm %s: %w", vmID, err)
	}

	// The files exist now; ask the agent again for their final sizes.
	final, err := o.agent.PrepareSnapshot(ctx, vmID, snapshotID)
	if err != nil {
		log.G(ctx).WithError(err).WithField("snapshot", snapshotID).
			Warn("could not stat snapshot files, recording size 0")
		final = prep
	}

	rec := &vmstore.SnapshotRecord{
		ID:           snapshotID,
		VMID:         vmID,
		SnapshotPath: prep.SnapshotPath,
		MemPath:      prep.MemPath,
		SizeBytes:    saturatingAdd(final.SnapshotSize, final.MemSize),
		State:        vmstore.SnapshotStateAvailable,
	}
	if err := o.store.PutSnapshot(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting snapshot %s: %w", snapshotID, err)
	}

	log.G(ctx).WithFields(log.Fields{
		"vm":       vmID,
		"snapshot": snapshotID,
		"size":     rec.SizeBytes,
	}).Info("snapshot created")
	return rec, nil
}

// resume is the compensation for a successful pause. It runs detached from
// caller cancellation so an aborted request cannot leave the VM paused.
func (o *Orchestrator) resume(ctx context.Context, vmID string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resumeTimeout)
	defer cancel()
	if err := o.hv.Resume(rctx, vmID); err != nil {
		log.G(rctx).WithError(err).WithField("vm", vmID).
			Warn("vm may be left paused, resume failed")
	}
}

// Instantiate creates a new VM record seeded from a snapshot's disk and
// memory images. When name is empty the new VM is named after the source VM
// with a clone suffix derived from the new ID.
func (o *Orchestrator) Instantiate(ctx context.Context, snapshotID, name string) (*vmstore.VMRecord, error) {
	rec, err := o.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if rec.State != vmstore.SnapshotStateAvailable {
		return nil, faults.Conflictf("snapshot %s is %s, not available", snapshotID, rec.State)
	}
	src, err := o.store.GetVM(ctx, rec.VMID)
	if err != nil {
		return nil, fmt.Errorf("loading source vm %s: %w", rec.VMID, err)
	}

	id := uuid.NewString()
	if name == "" {
		name = fmt.Sprintf("%s-clone-%s", src.Name, id[:8])
	}
	vm := &vmstore.VMRecord{
		ID:           id,
		Name:         name,
		State:        vmstore.VMStateCreated,
		SnapshotPath: rec.SnapshotPath,
		MemPath:      rec.MemPath,
	}
	if err := o.store.PutVM(ctx, vm); err != nil {
		return nil, fmt.Errorf("persisting vm %s: %w", id, err)
	}

	log.G(ctx).WithFields(log.Fields{
		"vm":       id,
		"name":     name,
		"snapshot": snapshotID,
	}).Info("vm instantiated from snapshot")
	return vm, nil
}

// SnapshotsForVM lists the persisted snapshots of one VM.
func (o *Orchestrator) SnapshotsForVM(ctx context.Context, vmID string) ([]*vmstore.SnapshotRecord, error) {
	if _, err := o.store.GetVM(ctx, vmID); err != nil {
		return nil, err
	}
	return o.store.SnapshotsForVM(ctx, vmID)
}

// GetSnapshot loads one snapshot record.
func (o *Orchestrator) GetSnapshot(ctx context.Context, snapshotID string) (*vmstore.SnapshotRecord, error) {
	return o.store.GetSnapshot(ctx, snapshotID)
}

func saturatingAdd(a, b uint64) uint64 {
	if sum := a + b; sum >= a {
		return sum
	}
	return math.MaxUint64
}
