// Package vmstore persists the control plane records this core reads and
// writes: VMs, port forward rules and snapshots.
package vmstore

// VMState is the coarse lifecycle state of a VM record.
type VMState string

const (
	VMStateCreated VMState = "created"
	VMStateRunning VMState = "running"
	VMStateStopped VMState = "stopped"
)

// VMRecord holds the VM fields the control plane core depends on.
type VMRecord struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	State VMState `json:"state"`

	// GuestIP is set once the guest reports its address. Port forward
	// rules are only installed while it is known.
	GuestIP string `json:"guest_ip,omitempty"`

	// SnapshotPath/MemPath seed a VM instantiated from a snapshot.
	SnapshotPath string `json:"snapshot_path,omitempty"`
	MemPath      string `json:"mem_path,omitempty"`
}

// PortForwardRule maps a host port to a guest port. The record may exist
// while the packet-filtering rules are not installed; installation is tied
// to the owning VM's guest IP.
type PortForwardRule struct {
	ID        string `json:"id"`
	VMID      string `json:"vm_id"`
	HostPort  uint16 `json:"host_port"`
	GuestPort uint16 `json:"guest_port"`
	Protocol  string `json:"protocol"`
}

// SnapshotState is the one-way snapshot lifecycle: creating transitions to
// available or failed, both terminal.
type SnapshotState string

const (
	SnapshotStateCreating  SnapshotState = "creating"
	SnapshotStateAvailable SnapshotState = "available"
	SnapshotStateFailed    SnapshotState = "failed"
)

// SnapshotRecord describes one persisted snapshot.
type SnapshotRecord struct {
	ID           string        `json:"id"`
	VMID         string        `json:"vm_id"`
	SnapshotPath string        `json:"snapshot_path"`
	MemPath      string        `json:"mem_path"`
	SizeBytes    uint64        `json:"size_bytes"`
	State        SnapshotState `json:"state"`
}
