package cache

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jochenvg/go-udev"
	"github.com/pkg/errors"

	"github.com/symphorien/cccp/internal/classify"
	"github.com/symphorien/cccp/internal/logging"
	udevutil "github.com/symphorien/cccp/internal/udev"
)

// umountLongTimeout bounds the DBus calls umount/mount issue against
// udisks2 — unmounting or remounting can legitimately take a while if the
// kernel is still flushing writeback.
const umountLongTimeout = time.Hour

// UmountCacheManager drops a filesystem's page cache by unmounting then
// remounting it through udisks2. Grounded on
// _examples/original_source/src/cache/umount.rs.
type UmountCacheManager struct {
	state
	log *logging.Logger

	udisks     *udevutil.UDisks2
	fs         udevutil.Block
	mountpoint string
}

// PermissionCheck resolves path to its underlying udisks2 block device and
// records the filesystem's current mount point.
func (m *UmountCacheManager) PermissionCheck(path string) error {
	if kind, err := classify.OfPath(path); err == nil && kind == classify.Device {
		return errors.Errorf("umount method can only handle files on a filesystem, not a block device %s", path)
	}

	udisks, err := udevutil.NewUDisks2()
	if err != nil {
		return errors.Wrap(err, "connecting to udisks dbus interface")
	}

	u := udev.Udev{}
	dev, err := udevutil.UnderlyingDevice(u, path)
	if err != nil {
		return err
	}
	block, err := udevutil.BlockForDevice(udisks, dev)
	if err != nil {
		return err
	}
	if !block.HasFS() {
		return errors.Errorf(
			"udisks knows about no file system on block device %s, corresponding to sysfs %s and path %s",
			block.Preferred, dev.Syspath(), path)
	}
	mountpoint, ok := udevutil.GetMountPointIn(block, path)
	if !ok {
		return errors.Errorf(
			"file system on block device %s, corresponding to sysfs %s, does not look like it bears %s: mount points %v",
			block.Preferred, dev.Syspath(), path, block.MountPoints)
	}

	m.udisks = udisks
	m.fs = block
	m.mountpoint = mountpoint
	m.markReady()
	return nil
}

// DropCache unmounts the filesystem and remounts it, returning a
// Replacement if udisks2 mounted it back at a different path.
func (m *UmountCacheManager) DropCache(path string) (*Replacement, error) {
	m.requireReady("DropCache")

	if err := m.udisks.Unmount(m.fs, true, false, umountLongTimeout); err != nil {
		return nil, errors.Wrapf(err, "unmounting %s", m.fs.Preferred)
	}
	remountedPath, err := m.udisks.EnsureMounted(m.fs, umountLongTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "remounting %s", m.fs.Preferred)
	}

	var replacement *Replacement
	newPath := path
	if remountedPath != m.mountpoint {
		newPath = changePrefix(path, m.mountpoint, remountedPath)
		replacement = &Replacement{Before: path, After: newPath}
	}

	if err := m.udisks.Update(); err != nil {
		return nil, errors.Wrap(err, "updating udisks")
	}
	if err := m.PermissionCheck(newPath); err != nil {
		return nil, err
	}
	return replacement, nil
}

// Name identifies this policy.
func (m *UmountCacheManager) Name() string { return "umount" }

// OpenNoCache opens path with no special cache-bypass flags: the cache drop
// happens at the filesystem level via unmount/remount, not per file.
func (m *UmountCacheManager) OpenNoCache(path string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flag, perm)
}

// changePrefix rewrites path by replacing the leading oldPrefix path
// component with newPrefix, mirroring change_prefixes in
// _examples/original_source/src/utils.rs.
func changePrefix(path, oldPrefix, newPrefix string) string {
	rel := strings.TrimPrefix(path, oldPrefix)
	return filepath.Join(newPrefix, rel)
}
