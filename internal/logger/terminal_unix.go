//go:build !windows && !linux

package logger

import "golang.org/x/sys/unix"

// isTerminal reports whether fd is a terminal, deciding whether the text
// handler colors its output. The BSDs and macOS spell the termios-read
// ioctl TIOCGETA.
func isTerminal(fd uintptr) bool {
	_, err := unix.IoctlGetTermios(int(fd), unix.TIOCGETA)
	return err == nil
}
