package snapshot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NexusQuantum/microvm/internal/faults"
	"github.com/NexusQuantum/microvm/internal/vmstore"
)

type fakeAgent struct {
	mu       sync.Mutex
	prepares int

	err   error
	sizes [2]uint64 // snapshot, mem
}

func (f *fakeAgent) PrepareSnapshot(ctx context.Context, vmID, snapshotID string) (*PrepareResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepares++
	if f.err != nil {
		return nil, f.err
	}
	return &PrepareResult{
		SnapshotPath: fmt.Sprintf("/run/microvm/vms/%s/snapshots/%s.snap", vmID, snapshotID),
		MemPath:      fmt.Sprintf("/run/microvm/vms/%s/snapshots/%s.mem", vmID, snapshotID),
		SnapshotSize: f.sizes[0],
		MemSize:      f.sizes[1],
	}, nil
}

type fakeHypervisor struct {
	mu      sync.Mutex
	pauses  int
	resumes int
	snaps   int

	pauseErr  error
	resumeErr error
	snapErr   error
}

func (f *fakeHypervisor) Pause(ctx context.Context, vmID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
	return f.pauseErr
}

func (f *fakeHypervisor) Resume(ctx context.Context, vmID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	return f.resumeErr
}

func (f *fakeHypervisor) CreateSnapshot(ctx context.Context, vmID, snapshotPath, memPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps++
	return f.snapErr
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeAgent, *fakeHypervisor, *vmstore.Store) {
	t.Helper()
	store, err := vmstore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	agent := &fakeAgent{sizes: [2]uint64{1024, 4096}}
	hv := &fakeHypervisor{}
	return New(agent, hv, store), agent, hv, store
}

func putRunningVM(t *testing.T, store *vmstore.Store, id string) {
	t.Helper()
	require.NoError(t, store.PutVM(context.Background(), &vmstore.VMRecord{
		ID: id, Name: "web", State: vmstore.VMStateRunning, GuestIP: "10.0.0.2",
	}))
}

func TestCreateSnapshotHappyPath(t *testing.T) {
	o, agent, hv, store := newTestOrchestrator(t)
	ctx := context.Background()
	putRunningVM(t, store, "vm1")

	rec, err := o.CreateSnapshot(ctx, "vm1")
	require.NoError(t, err)

	assert.Equal(t, "vm1", rec.VMID)
	assert.Equal(t, vmstore.SnapshotStateAvailable, rec.State)
	assert.Equal(t, uint64(5120), rec.SizeBytes)
	assert.Contains(t, rec.SnapshotPath, rec.ID+".snap")
	assert.Contains(t, rec.MemPath, rec.ID+".mem")

	assert.Equal(t, 1, hv.pauses)
	assert.Equal(t, 1, hv.snaps)
	assert.Equal(t, 1, hv.resumes, "resume runs exactly once")
	assert.Equal(t, 2, agent.prepares, "sizes are re-read after the snapshot")

	stored, err := store.GetSnapshot(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, stored)
}

func TestCreateSnapshotRequiresRunningVM(t *testing.T) {
	o, _, hv, store := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, store.PutVM(ctx, &vmstore.VMRecord{
		ID: "vm1", Name: "web", State: vmstore.VMStateStopped,
	}))

	_, err := o.CreateSnapshot(ctx, "vm1")
	require.Error(t, err)
	assert.True(t, faults.IsConflict(err))
	assert.Zero(t, hv.pauses)
}

func TestCreateSnapshotUnknownVM(t *testing.T) {
	o, _, hv, _ := newTestOrchestrator(t)

	_, err := o.CreateSnapshot(context.Background(), "nope")
	require.Error(t, err)
	assert.Zero(t, hv.pauses)
}

func TestPauseFailureAbortsBeforePrepare(t *testing.T) {
	o, agent, hv, store := newTestOrchestrator(t)
	putRunningVM(t, store, "vm1")
	hv.pauseErr = errors.New("pause refused")

	_, err := o.CreateSnapshot(context.Background(), "vm1")
	require.Error(t, err)

	assert.Zero(t, agent.prepares, "prepare must not run after a failed pause")
	assert.Zero(t, hv.resumes, "nothing to compensate, the vm never paused")
	assert.Zero(t, hv.snaps)
}

func TestPrepareFailureStillResumes(t *testing.T) {
	o, agent, hv, store := newTestOrchestrator(t)
	ctx := context.Background()
	putRunningVM(t, store, "vm1")
	agent.err = errors.New("disk full")

	_, err := o.CreateSnapshot(ctx, "vm1")
	require.Error(t, err)

	assert.Equal(t, 1, hv.resumes)
	assert.Zero(t, hv.snaps)
	snaps, err := o.SnapshotsForVM(ctx, "vm1")
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestSnapshotFailureResumesAndPersistsNothing(t *testing.T) {
	o, _, hv, store := newTestOrchestrator(t)
	ctx := context.Background()
	putRunningVM(t, store, "vm1")
	hv.snapErr = errors.New("hypervisor exploded")

	_, err := o.CreateSnapshot(ctx, "vm1")
	require.Error(t, err)

	assert.Equal(t, 1, hv.resumes)
	snaps, err := o.SnapshotsForVM(ctx, "vm1")
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestResumeFailureIsWarningOnly(t *testing.T) {
	o, _, hv, store := newTestOrchestrator(t)
	putRunningVM(t, store, "vm1")
	hv.resumeErr = errors.New("resume stuck")

	rec, err := o.CreateSnapshot(context.Background(), "vm1")
	require.NoError(t, err, "a failed resume must not fail the snapshot")
	assert.Equal(t, vmstore.SnapshotStateAvailable, rec.State)
	assert.Equal(t, 1, hv.resumes)
}

func TestCancelledContextStillResumes(t *testing.T) {
	o, _, hv, store := newTestOrchestrator(t)
	putRunningVM(t, store, "vm1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The fakes ignore ctx, so the saga runs to completion; the point is
	// that the resume context survives the cancellation.
	_, err := o.CreateSnapshot(ctx, "vm1")
	require.NoError(t, err)
	assert.Equal(t, 1, hv.resumes)
}

func TestSnapshotSizeSaturates(t *testing.T) {
	o, agent, _, store := newTestOrchestrator(t)
	putRunningVM(t, store, "vm1")
	agent.sizes = [2]uint64{math.MaxUint64, 4096}

	rec, err := o.CreateSnapshot(context.Background(), "vm1")
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), rec.SizeBytes)
}

func TestInstantiateDefaultsName(t *testing.T) {
	o, _, _, store := newTestOrchestrator(t)
	ctx := context.Background()
	putRunningVM(t, store, "vm1")

	rec, err := o.CreateSnapshot(ctx, "vm1")
	require.NoError(t, err)

	vm, err := o.Instantiate(ctx, rec.ID, "")
	require.NoError(t, err)

	assert.NotEqual(t, "vm1", vm.ID)
	assert.Equal(t, "web-clone-"+vm.ID[:8], vm.Name)
	assert.Equal(t, vmstore.VMStateCreated, vm.State)
	assert.Equal(t, rec.SnapshotPath, vm.SnapshotPath)
	assert.Equal(t, rec.MemPath, vm.MemPath)

	stored, err := store.GetVM(ctx, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, vm, stored)
}

func TestInstantiateExplicitName(t *testing.T) {
	o, _, _, store := newTestOrchestrator(t)
	ctx := context.Background()
	putRunningVM(t, store, "vm1")

	rec, err := o.CreateSnapshot(ctx, "vm1")
	require.NoError(t, err)

	vm, err := o.Instantiate(ctx, rec.ID, "restored")
	require.NoError(t, err)
	assert.Equal(t, "restored", vm.Name)
}

func TestInstantiateRejectsUnavailableSnapshot(t *testing.T) {
	o, _, _, store := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, store.PutSnapshot(ctx, &vmstore.SnapshotRecord{
		ID: "s1", VMID: "vm1", State: vmstore.SnapshotStateFailed,
	}))

	_, err := o.Instantiate(ctx, "s1", "")
	require.Error(t, err)
	assert.True(t, faults.IsConflict(err))
}

func TestInstantiateUnknownSnapshot(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	_, err := o.Instantiate(context.Background(), "nope", "")
	require.Error(t, err)
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	var n int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("vm1")
			defer unlock()
			n++
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, n)
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()

	unlock := km.Lock("vm1")
	done := make(chan struct{})
	go func() {
		u := km.Lock("vm2")
		u()
		close(done)
	}()
	<-done // must not deadlock while vm1 is held
	unlock()
}
