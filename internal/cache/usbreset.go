package cache

import (
	"os"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/jochenvg/go-udev"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/symphorien/cccp/internal/classify"
	"github.com/symphorien/cccp/internal/logging"
	udevutil "github.com/symphorien/cccp/internal/udev"
)

const usbresetLongTimeout = time.Hour

// identifierKind discriminates the two ways USBResetCacheManager relocates
// the destination once the bus comes back: by the raw block device's
// (drive, size) pair, or by filesystem UUID.
type identifierKind int

const (
	identifierBlockDevice identifierKind = iota
	identifierFilesystem
)

type identifier struct {
	kind       identifierKind
	drive      dbus.ObjectPath // identifierBlockDevice
	size       uint64          // identifierBlockDevice
	uuid       string          // identifierFilesystem
	mountpoint string          // identifierFilesystem
}

// USBResetCacheManager drops the cache of an entire USB mass-storage device
// by ejecting and resetting the bus it hangs off, forcing every layer —
// kernel block cache included — to re-enumerate the device from scratch.
// Grounded on _examples/original_source/src/cache/usbreset.rs.
type USBResetCacheManager struct {
	state
	log *logging.Logger

	udisks *udevutil.UDisks2
	drives []udevutil.Drive
	usbhub *udev.Device
	id     identifier
}

// PermissionCheck requires root, resolves the udisks2 block device and
// drive group bearing path, and dry-run probes the USB reset ioctl.
func (m *USBResetCacheManager) PermissionCheck(path string) error {
	if unix.Getuid() != 0 {
		return errors.New("USB reset ioctl method requires root privileges")
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

	kind, _ := classify.OfPath(path)
	var id identifier
	if kind == classify.Device {
		match := udevutil.BlockByDriveAndSize(udisks, block.Drive, block.Size)
		if match.IsZero() {
			return errors.Errorf("%s disappeared", block.Preferred)
		}
		if match.IsSeveral() {
			return errors.Errorf("several partitions on %s have the size %d", block.Drive, block.Size)
		}
		x, _ := match.One()
		if x.Path != block.Path {
			return errors.Errorf("%s changed path to %s", block.Path, x.Path)
		}
		id = identifier{kind: identifierBlockDevice, drive: block.Drive, size: block.Size}
	} else {
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
		if block.IDUUID == "" {
			return errors.Errorf("attempting to write to a filesystem %s without uuid", block.Preferred)
		}
		match := udevutil.BlockByUUID(udisks, block.IDUUID)
		if match.IsZero() {
			return errors.Errorf("fs with UUID %s disappeared", block.IDUUID)
		}
		if match.IsSeveral() {
			return errors.Errorf("several fs with UUID %s", block.IDUUID)
		}
		x, _ := match.One()
		if x.Path != block.Path {
			return errors.Errorf("%s changed path to %s", block.Path, x.Path)
		}
		id = identifier{kind: identifierFilesystem, uuid: block.IDUUID, mountpoint: mountpoint}
	}

	drives, err := udevutil.DrivesFor(udisks, block)
	if err != nil {
		return errors.Wrapf(err, "failed to enumerate drives corresponding to %s (for %s)", block.Preferred, path)
	}
	if len(drives) == 0 {
		return errors.Errorf("found 0 drive for %s (corresponding to %s)", block.Preferred, path)
	}
	for _, d := range drives {
		if !d.Ejectable {
			return errors.Errorf("drive %s is not ejectable according to udisks", d.ID)
		}
	}

	usbhub, err := udevutil.USBHubFor(dev)
	if err != nil {
		return errors.Wrapf(err, "device %s corresponding to %s is not plugged in by usb", dev.Syspath(), path)
	}
	if err := udevutil.ResetUSBHub(usbhub, true); err != nil {
		return errors.Wrapf(err, "cannot access usb device file for %s to issue usbreset ioctl; missing permissions?", usbhub.Syspath())
	}

	m.udisks = udisks
	m.drives = drives
	m.usbhub = usbhub
	m.id = id
	m.markReady()
	return nil
}

// DropCache unmounts every filesystem on the drive group, ejects the
// drives, resets the USB hub, then polls for the device to reappear and
// remounts/re-resolves it.
func (m *USBResetCacheManager) DropCache(path string) (*Replacement, error) {
	m.requireReady("DropCache")

	for _, b := range m.udisks.GetBlocks() {
		if len(b.MountPoints) == 0 {
			continue
		}
		if !driveInGroup(m.drives, b.Drive) {
			continue
		}
		if err := m.udisks.Unmount(b, true, false, usbresetLongTimeout); err != nil {
			return nil, errors.Wrapf(err, "unmounting %s", b.Preferred)
		}
	}

	for _, d := range m.drives {
		if err := m.udisks.Eject(d, true, usbresetLongTimeout); err != nil {
			return nil, errors.Wrapf(err, "ejecting %s", d.ID)
		}
	}

	if err := udevutil.ResetUSBHub(m.usbhub, false); err != nil {
		return nil, errors.Wrapf(err, "cannot reset usb hub for %s", m.usbhub.Syspath())
	}

	var newPath string
	switch m.id.kind {
	case identifierFilesystem:
		var found *udevutil.Block
		for i := 0; i < 60; i++ {
			time.Sleep(time.Second)
			if err := m.udisks.Update(); err != nil {
				return nil, errors.Wrap(err, "updating udisks2")
			}
			match := udevutil.BlockByUUID(m.udisks, m.id.uuid)
			if match.IsSeveral() {
				return nil, errors.Errorf("several fs with uuid %s", m.id.uuid)
			}
			if x, ok := match.One(); ok {
				found = &x
				break
			}
		}
		if found == nil {
			return nil, errors.Errorf("timeout reached waiting for fs with uuid %s to appear", m.id.uuid)
		}
		remountedPath, err := m.udisks.EnsureMounted(*found, usbresetLongTimeout)
		if err != nil {
			return nil, errors.Wrapf(err, "remounting %s", found.Preferred)
		}
		if remountedPath == m.id.mountpoint {
			newPath = path
		} else {
			newPath = changePrefix(path, m.id.mountpoint, remountedPath)
		}
	case identifierBlockDevice:
		var found *udevutil.Block
		for i := 0; i < 60; i++ {
			time.Sleep(time.Second)
			if err := m.udisks.Update(); err != nil {
				return nil, errors.Wrap(err, "updating udisks2")
			}
			match := udevutil.BlockByDriveAndSize(m.udisks, m.id.drive, m.id.size)
			if match.IsSeveral() {
				return nil, errors.Errorf("several block devices on drive %s with size %d", m.id.drive, m.id.size)
			}
			if x, ok := match.One(); ok {
				found = &x
				break
			}
		}
		if found == nil {
			return nil, errors.Errorf("timeout reached waiting for block device on drive %s with size %d to appear", m.id.drive, m.id.size)
		}
		if path == found.Device || stringInSlice(found.Symlinks, path) {
			newPath = path
		} else {
			newPath = found.Device
		}
	}

	var replacement *Replacement
	if newPath != path {
		replacement = &Replacement{Before: path, After: newPath}
	}
	if err := m.PermissionCheck(newPath); err != nil {
		return nil, err
	}
	return replacement, nil
}

// Name identifies this policy.
func (m *USBResetCacheManager) Name() string { return "usbreset" }

// OpenNoCache opens path with no special flags: the cache drop happens at
// the bus level, not per file.
func (m *USBResetCacheManager) OpenNoCache(path string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flag, perm)
}

func driveInGroup(drives []udevutil.Drive, path dbus.ObjectPath) bool {
	for _, d := range drives {
		if d.Path == path {
			return true
		}
	}
	return false
}

func stringInSlice(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}
