//go:build !windows

package readline

import (
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// suspend restores the terminal and stops the process group until it is
// resumed with SIGCONT.
func suspend(fd int, state *term.State) error {
	if err := term.Restore(fd, state); err != nil {
		return err
	}

	return unix.Kill(0, unix.SIGSTOP)
}
