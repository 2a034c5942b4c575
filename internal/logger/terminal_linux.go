//go:build linux

package logger

import "golang.org/x/sys/unix"

// isTerminal reports whether fd is a terminal, deciding whether the text
// handler colors its output. Linux spells the termios-read ioctl TCGETS.
func isTerminal(fd uintptr) bool {
	_, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
	return err == nil
}
