//go:build !windows

package tui

import (
	"os"
	"os/exec"

	"github.com/mattn/go-isatty"
)

// bestEffortResetTTY restores cooked mode after the dashboard exits, in case
// the program was killed before bubbletea could restore it.
func bestEffortResetTTY() {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return
	}
	_ = exec.Command("sh", "-c", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
