// Package diag runs a fixed set of diagnostic commands for the
// system_info / system_info_all control API calls and returns their
// concatenated, verbatim output. Unlike the control scripts invoked
// elsewhere, these commands' stdout is returned to callers as-is rather
// than reduced to an exit status.
package diag

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"os/user"
	"strings"

	"github.com/jutuon/app-manager/internal/apperr"
)

// Command is one diagnostic step: a human label plus the argv to run.
type Command struct {
	Label string
	Argv  []string
}

// DefaultCommands returns the fixed diagnostic command set, parameterized
// by the current user (for `top -u`) and the configured systemd service
// names (for `journalctl -u`).
func DefaultCommands(services []string, printLogsScript string) ([]Command, error) {
	u, err := user.Current()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindSubprocessSpawn, "resolving current user")
	}

	cmds := []Command{
		{Label: "df -h", Argv: []string{"df", "-h"}},
		{Label: "df -hi", Argv: []string{"df", "-hi"}},
		{Label: "uptime", Argv: []string{"uptime"}},
		{Label: "free -h", Argv: []string{"free", "-h"}},
		{Label: "top", Argv: []string{"top", "-bn1", "-u", u.Username}},
	}
	for _, svc := range services {
		cmds = append(cmds, Command{
			Label: "journalctl -u " + svc,
			Argv:  []string{"journalctl", "--no-pager", "-n", "10", "-u", svc},
		})
	}
	cmds = append(cmds, Command{
		Label: "print-logs.sh",
		Argv:  []string{"sudo", printLogsScript},
	})
	return cmds, nil
}

// Run executes every command in order and concatenates
// "=== $label ===\n$output" blocks. A single failing command does not abort
// the rest; its failure is reported inline after the header so an operator
// still gets everything that did work.
func Run(ctx context.Context, cmds []Command) string {
	var out bytes.Buffer
	for _, c := range cmds {
		fmt.Fprintf(&out, "=== %s ===\n", c.Label)
		cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
		data, err := cmd.CombinedOutput()
		if err != nil {
			fmt.Fprintf(&out, "(command failed: %v)\n", err)
		}
		out.Write(data)
		if !strings.HasSuffix(string(data), "\n") {
			out.WriteByte('\n')
		}
	}
	return out.String()
}
