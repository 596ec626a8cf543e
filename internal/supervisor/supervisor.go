// Package supervisor starts and stops the hypervisor process under a
// supervised systemd unit wrapped in a named tmux session, and relays an
// interactive console to that session.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/log"

	"github.com/NexusQuantum/microvm/internal/netadmin"
)

// stopGraceSeconds bounds a graceful stop before systemd escalates to
// SIGKILL. KillMode=mixed signals the main process first, then the whole
// control group so hypervisor children die with it.
const stopGraceSeconds = 10

// Supervisor manages hypervisor process lifetimes.
type Supervisor struct {
	host           netadmin.ProcessHost
	hypervisorPath string
}

// New returns a Supervisor launching the hypervisor at hypervisorPath.
func New(host netadmin.ProcessHost, hypervisorPath string) *Supervisor {
	return &Supervisor{host: host, hypervisorPath: hypervisorPath}
}

// Spawn launches the hypervisor under the named unit inside a tmux session
// of the same name, listening on the given control socket. Snapshot
// restoration happens later through the control API, so the command line
// only needs the socket path.
func (s *Supervisor) Spawn(ctx context.Context, unitName, socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	out, err := s.host.Run(ctx, "systemd-run",
		"--unit", unitName,
		"--service-type", "forking",
		"--property", "KillMode=mixed",
		"--property", fmt.Sprintf("TimeoutStopSec=%d", stopGraceSeconds),
		"tmux", "new-session", "-d", "-s", unitName,
		s.hypervisorPath, "--api-socket", socketPath,
	)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", unitName, err)
	}

	log.G(ctx).WithFields(log.Fields{
		"unit":   unitName,
		"socket": socketPath,
		"output": out,
	}).Info("hypervisor spawned")
	return nil
}

// Stop requests a graceful stop of the unit. A unit that is not loaded or
// cannot be found is already stopped, so that is a success.
func (s *Supervisor) Stop(ctx context.Context, unitName string) error {
	out, err := s.host.Run(ctx, "systemctl", "stop", unitName+".service")
	if err != nil {
		if unitGone(out) || unitGone(err.Error()) {
			log.G(ctx).WithField("unit", unitName).Debug("unit already stopped")
			return nil
		}
		return fmt.Errorf("stop %s: %w", unitName, err)
	}
	return nil
}

func unitGone(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "not loaded") || strings.Contains(lower, "could not be found")
}
