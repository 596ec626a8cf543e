//go:build linux

package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/containerd/console"
	"github.com/containerd/log"
)

// attachCommand builds the process that attaches to the named session. Kept
// as a variable so tests can substitute a plain process for tmux.
var attachCommand = func(ctx context.Context, unitName string) *exec.Cmd {
	return exec.CommandContext(ctx, "tmux", "attach-session", "-t", unitName)
}

// ProxyConsole attaches to the unit's tmux session on a fresh pty and
// relays bytes between rw and the session until either side closes. On
// end-of-output from the session the channel is closed; the attach process
// is killed when the relay ends, whichever side initiated it.
func (s *Supervisor) ProxyConsole(ctx context.Context, unitName string, rw io.ReadWriteCloser) error {
	master, slavePath, err := console.NewPty()
	if err != nil {
		return fmt.Errorf("allocate pty: %w", err)
	}
	defer master.Close()

	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open pty slave: %w", err)
	}

	cmd := attachCommand(ctx, unitName)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}
	if err := cmd.Start(); err != nil {
		slave.Close()
		return fmt.Errorf("attach to session %s: %w", unitName, err)
	}
	slave.Close()

	log.G(ctx).WithField("unit", unitName).Debug("console relay started")

	go func() {
		// Client side closed: tear down the attach so the main copy
		// unblocks.
		_, _ = io.Copy(master, rw)
		_ = cmd.Process.Kill()
	}()

	_, _ = io.Copy(rw, master)
	rw.Close()
	_ = cmd.Process.Kill()
	_ = cmd.Wait()

	log.G(ctx).WithField("unit", unitName).Debug("console relay ended")
	return nil
}
