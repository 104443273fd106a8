//go:build linux

package logger

import "golang.org/x/sys/unix"

// ioctlReadTermios is the terminal-attribute request on Linux.
const ioctlReadTermios = unix.TCGETS
