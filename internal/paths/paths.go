// Package paths provides standard filesystem paths used by microvm.
package paths

import (
	"os"
	"path/filepath"
)

const (
	// RunDir holds per-VM runtime files: control sockets, snapshot images.
	RunDir = "/run/microvm"

	// StateDir is the persistent state directory.
	StateDir = "/var/lib/microvm"

	// LogDir is the logs directory.
	LogDir = "/var/log/microvm"
)

// GetRunDir returns the microvm run directory, checking environment variables first.
func GetRunDir() string {
	if dir := os.Getenv("MICROVM_RUN_DIR"); dir != "" {
		return dir
	}
	return RunDir
}

// GetStateDir returns the microvm state directory, checking environment variables first.
func GetStateDir() string {
	if dir := os.Getenv("MICROVM_STATE_DIR"); dir != "" {
		return dir
	}
	return StateDir
}

// GetLogDir returns the microvm log directory, checking environment variables first.
func GetLogDir() string {
	if dir := os.Getenv("MICROVM_LOG_DIR"); dir != "" {
		return dir
	}
	return LogDir
}

// DBPath returns the path to the control plane record database.
func DBPath() string {
	return filepath.Join(GetStateDir(), "microvm.db")
}

// VMRunDir returns the runtime directory for a single VM.
func VMRunDir(vmID string) string {
	return filepath.Join(GetRunDir(), "vms", vmID)
}

// APISocketPath returns the hypervisor control socket path for a VM.
func APISocketPath(vmID string) string {
	return filepath.Join(VMRunDir(vmID), "api.sock")
}

// SnapshotDir returns the directory holding snapshot images for a VM.
func SnapshotDir(vmID string) string {
	return filepath.Join(VMRunDir(vmID), "snapshots")
}

// HypervisorPath returns the path to the hypervisor binary.
func HypervisorPath() string {
	if path := os.Getenv("MICROVM_HYPERVISOR_PATH"); path != "" {
		return path
	}
	return "/usr/bin/cloud-hypervisor"
}
