//go:build darwin || freebsd || netbsd || openbsd

package logger

import "golang.org/x/sys/unix"

// ioctlReadTermios is the terminal-attribute request on BSD-derived
// systems.
const ioctlReadTermios = unix.TIOCGETA
