package cache

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/symphorien/cccp/internal/classify"
	"github.com/symphorien/cccp/internal/environment"
	"github.com/symphorien/cccp/internal/logging"
)

// dropCachesPath is where the Linux kernel-wide page-cache drop is
// requested, per spec.md §6.
const dropCachesPath = "/proc/sys/vm/drop_caches"

// PageCacheManager is the "vm" eviction strategy: a kernel-wide page-cache
// drop via syncfs(2) followed by a write to /proc/sys/vm/drop_caches.
// Grounded on _examples/original_source/src/cache/vm.rs.
type PageCacheManager struct {
	state
	log *logging.Logger
}

func (p *PageCacheManager) PermissionCheck(path string) error {
	if unix.Getuid() == 0 || environment.NoRootOverride() {
		p.markReady()
		return nil
	}
	return errors.New("PageCacheManager needs root privileges")
}

func (p *PageCacheManager) OpenNoCache(path string, flag int, perm os.FileMode) (*os.File, error) {
	// The vm strategy relies entirely on drop_cache between rounds; opening
	// the destination is the identity open.
	return os.OpenFile(path, flag, perm)
}

func (p *PageCacheManager) DropCache(path string) (*Replacement, error) {
	p.requireReady("DropCache")
	if err := globalDropCache(path); err != nil {
		return nil, err
	}
	return nil, nil
}

func (p *PageCacheManager) Name() string { return "vm" }

// globalDropCache syncs the filesystem holding path (following a symlink to
// its parent, since syncfs needs a real filesystem descriptor) and then asks
// the kernel to drop every cache level.
func globalDropCache(path string) error {
	kind, err := classify.OfPath(path)
	if err != nil {
		return errors.Wrapf(err, "stat %s to drop cache", path)
	}

	switch kind {
	case classify.Directory, classify.Regular:
		f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NOFOLLOW, 0)
		if err != nil {
			return errors.Wrapf(err, "open(%s) for sync to drop cache", path)
		}
		defer f.Close()
		if err := unix.Syncfs(int(f.Fd())); err != nil {
			return errors.Wrapf(err, "syncfs(%s) to drop cache", path)
		}
	case classify.Symlink:
		parent := parentOrError(path)
		if parent == "" {
			return errors.Errorf("cannot syncfs(parent of %s) because it is a symlink with no parent", path)
		}
		return globalDropCache(parent)
	case classify.Device:
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "open %s to drop cache", path)
		}
		defer f.Close()
		if err := f.Sync(); err != nil {
			return errors.Wrapf(err, "fsync(%s) to drop cache", path)
		}
	default:
		return errors.Errorf("cannot sync %s to drop cache, wrong file type", path)
	}

	if environment.NoRootOverride() {
		return nil
	}

	f, err := os.Create(dropCachesPath)
	if err != nil {
		return errors.Wrapf(err, "open %s to drop cache", dropCachesPath)
	}
	defer f.Close()
	if _, err := f.Write([]byte("3")); err != nil {
		return errors.Wrapf(err, "write 3 to %s to drop cache", dropCachesPath)
	}
	return nil
}

func parentOrError(path string) string {
	dir := parentDir(path)
	if dir == path {
		return ""
	}
	return dir
}
