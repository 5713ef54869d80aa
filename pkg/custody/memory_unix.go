//go:build linux || darwin || freebsd || netbsd || openbsd

package custody

import "golang.org/x/sys/unix"

// lockMemory keeps an unwrapped key out of swap.
func lockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mlock(b)
}

func unlockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munlock(b)
}
