// Package priv drops elevated privileges after startup, mirroring the
// teacher's executor/security.go approach of treating privilege
// handling as an explicit, testable concern rather than ambient state.
package priv

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Drop drops from root to the original invoking user when running as
// root with SUDO_UID/SUDO_GID present in the environment (the
// "sudo cpu-guardian" invocation pattern). It is a no-op when not
// running as root, or when those hints are absent.
//
// Go schedules goroutines across OS threads (M:N), so unlike the
// single-threaded C original, Setuid/Setgid here only affect the calling
// OS thread's credentials unless the runtime happens to keep this
// goroutine pinned; callers that need the drop to apply process-wide
// must call runtime.LockOSThread beforehand and be aware new threads
// spawned after the call are unaffected. In practice the orchestrator
// calls Drop once, early, right after learning and before any other
// goroutine does privileged work.
func Drop() error {
	if os.Geteuid() != 0 {
		return nil
	}

	sudoUID := os.Getenv("SUDO_UID")
	sudoGID := os.Getenv("SUDO_GID")
	if sudoUID == "" || sudoGID == "" {
		return nil
	}

	uid, err := strconv.Atoi(sudoUID)
	if err != nil {
		return fmt.Errorf("parse SUDO_UID %q: %w", sudoUID, err)
	}
	gid, err := strconv.Atoi(sudoGID)
	if err != nil {
		return fmt.Errorf("parse SUDO_GID %q: %w", sudoGID, err)
	}

	if err := unix.Setgid(gid); err != nil {
		fmt.Fprintf(os.Stderr, "[priv] setgid(%d) failed: %v\n", gid, err)
		return fmt.Errorf("setgid(%d): %w", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		fmt.Fprintf(os.Stderr, "[priv] setuid(%d) failed: %v\n", uid, err)
		return fmt.Errorf("setuid(%d): %w", uid, err)
	}
	fmt.Fprintf(os.Stderr, "[priv] dropped privileges to uid=%d gid=%d\n", uid, gid)
	return nil
}
