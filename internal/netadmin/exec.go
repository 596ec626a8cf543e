package netadmin

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/containerd/log"
)

// ExecHost is the production ProcessHost backed by os/exec.
type ExecHost struct{}

// Run executes the command and returns its combined output.
func (ExecHost) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		log.G(ctx).WithFields(log.Fields{
			"command": name,
			"args":    strings.Join(args, " "),
			"output":  output,
		}).Debug("command failed")
		return output, fmt.Errorf("%s %s: %w (output: %s)", name, strings.Join(args, " "), err, output)
	}
	return output, nil
}
