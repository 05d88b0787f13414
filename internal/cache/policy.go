// Package cache implements the four pluggable cache-eviction strategies that
// make "re-reading the destination from the device" meaningful: vm (global
// page-cache drop), directio (O_DIRECT opens), umount (unmount/remount via
// UDisks2), and usbreset (USB bus reset via USBDEVFS_RESET).
//
// Grounded on _examples/original_source/src/cache/{mod,vm,directio,umount,
// usbreset}.rs, restructured as a Go interface the way the teacher structures
// its pluggable filesystem.Watcher and rsync.Engine abstractions: a small
// capability interface with state-machine discipline enforced by a guard
// field rather than a sealed trait.
package cache

import (
	"os"

	"github.com/symphorien/cccp/internal/logging"
)

// Replacement is returned by a Policy's DropCache call when the storage it
// manages reappeared under a different path (a new mount point, a new device
// node). Every obligation whose destination has Before as a path-component
// prefix must have that prefix rewritten to After before the next round.
type Replacement struct {
	Before string
	After  string
}

// Policy is the eviction-strategy capability set described in spec.md §4.E.
// PermissionCheck transitions Uninitialized -> Ready. DropCache panics if
// called before a successful PermissionCheck. OpenNoCache does not check the
// state: DirectIOCacheManager.PermissionCheck calls it to probe the
// destination before the policy is Ready.
type Policy interface {
	// PermissionCheck verifies that this policy can be used against path,
	// failing fast when privileges, drivers, or hardware are insufficient.
	// The convergence driver calls it once, before any obligation is built
	// or fixed; the umount and usbreset policies call it again from
	// DropCache against the destination path as it stands after the drop.
	PermissionCheck(path string) error

	// OpenNoCache opens path with the given flags (which already include
	// os.O_RDWR/os.O_CREATE/etc. as appropriate for the caller) augmented by
	// whatever this policy needs to guarantee an uncached read, such as
	// O_DIRECT. The fix kernel uses it whenever it opens a destination file
	// to copy or compare its contents; destination directories and symlinks
	// are read and written with plain system calls.
	OpenNoCache(path string, flag int, perm os.FileMode) (*os.File, error)

	// DropCache is called once between verification rounds and guarantees
	// that the next read of path (or anything under it) performed through
	// OpenNoCache will not be served from any cache below the application.
	// If the storage reappeared at a different path, it returns a
	// Replacement describing the rewrite every obligation must undergo.
	DropCache(path string) (*Replacement, error)

	// Name identifies the policy for logging and diagnostics.
	Name() string
}

// state tracks the Uninitialized -> Ready transition shared by all four
// policies; embed it, call markReady() when PermissionCheck succeeds, and
// call requireReady() from DropCache.
type state struct {
	ready bool
}

func (s *state) markReady() {
	s.ready = true
}

func (s *state) requireReady(op string) {
	if !s.ready {
		panic("cache: " + op + " called before a successful PermissionCheck")
	}
}

// ModeName identifies which of the four Policy implementations a CLI
// invocation selected.
type ModeName string

const (
	ModeVM       ModeName = "vm"
	ModeDirectIO ModeName = "directio"
	ModeUmount   ModeName = "umount"
	ModeUSBReset ModeName = "usbreset"
	DefaultMode           = ModeDirectIO
)

// New constructs the Policy for the given mode. log is the root logger; each
// policy gets its own sublogger named after ModeName.
func New(mode ModeName, log *logging.Logger) (Policy, error) {
	sub := log.Sublogger(string(mode))
	switch mode {
	case ModeVM:
		return &PageCacheManager{log: sub}, nil
	case ModeDirectIO:
		return &DirectIOCacheManager{log: sub}, nil
	case ModeUmount:
		return &UmountCacheManager{log: sub}, nil
	case ModeUSBReset:
		return &USBResetCacheManager{log: sub}, nil
	default:
		return nil, errUnknownMode(mode)
	}
}

type errUnknownMode ModeName

func (e errUnknownMode) Error() string {
	return "unknown cache-eviction mode: " + string(e)
}
