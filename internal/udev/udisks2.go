package udev

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/jochenvg/go-udev"
	"github.com/pkg/errors"
)

// Block mirrors the subset of the org.freedesktop.UDisks2.Block /
// .Filesystem interfaces this engine needs. Grounded on the
// fields read out of dbus_udisks2::Block in
// _examples/original_source/src/udev.rs and src/cache/{umount,usbreset}.rs:
// Device, Drive, Size, IdUUID, MountPoints, Symlinks.
type Block struct {
	Path        dbus.ObjectPath
	Device      string
	Symlinks    []string
	Drive       dbus.ObjectPath
	Size        uint64
	IDUUID      string
	MountPoints []string
	Preferred   string
}

// HasFS reports whether UDisks2 believes this block device bears a
// filesystem (as opposed to being a raw/partition-table-only device).
func (b Block) HasFS() bool {
	return b.IDUUID != "" || len(b.MountPoints) > 0
}

// Drive mirrors org.freedesktop.UDisks2.Drive.
type Drive struct {
	Path      dbus.ObjectPath
	ID        string
	Ejectable bool
	SiblingID string
}

// UDisks2 is a thin client over the org.freedesktop.UDisks2 DBus service,
// refreshed on demand via Update. There is no Go UDisks2 binding in the
// ecosystem (see DESIGN.md), so this wraps github.com/godbus/dbus/v5 method
// calls and ObjectManager introspection directly, mirroring the surface the
// original's dbus_udisks2 crate exposed.
type UDisks2 struct {
	conn   *dbus.Conn
	blocks []Block
	drives []Drive
}

const (
	udisksBusName    = "org.freedesktop.UDisks2"
	udisksObjectRoot = "/org/freedesktop/UDisks2"
	blockInterface   = "org.freedesktop.UDisks2.Block"
	fsInterface      = "org.freedesktop.UDisks2.Filesystem"
	driveInterface   = "org.freedesktop.UDisks2.Drive"
	objectManagerIf  = "org.freedesktop.DBus.ObjectManager"
)

// NewUDisks2 connects to the system bus and performs an initial refresh.
func NewUDisks2() (*UDisks2, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "connecting to udisks dbus interface")
	}
	u := &UDisks2{conn: conn}
	if err := u.Update(); err != nil {
		return nil, err
	}
	return u, nil
}

// Update refreshes the in-memory block/drive cache via
// org.freedesktop.DBus.ObjectManager.GetManagedObjects.
func (u *UDisks2) Update() error {
	obj := u.conn.Object(udisksBusName, dbus.ObjectPath(udisksObjectRoot))
	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := obj.Call(objectManagerIf+".GetManagedObjects", 0).Store(&managed); err != nil {
		return errors.Wrap(err, "updating udisks")
	}

	var blocks []Block
	var drives []Drive
	for objPath, ifaces := range managed {
		if props, ok := ifaces[blockInterface]; ok {
			blocks = append(blocks, decodeBlock(objPath, props, ifaces[fsInterface]))
		}
		if props, ok := ifaces[driveInterface]; ok {
			drives = append(drives, decodeDrive(objPath, props))
		}
	}
	u.blocks = blocks
	u.drives = drives
	return nil
}

func decodeBlock(objPath dbus.ObjectPath, props map[string]dbus.Variant, fsProps map[string]dbus.Variant) Block {
	b := Block{Path: objPath}
	if v, ok := props["Device"]; ok {
		b.Device = bytesToPath(v.Value())
	}
	if v, ok := props["Symlinks"]; ok {
		if raw, ok := v.Value().([][]byte); ok {
			for _, s := range raw {
				b.Symlinks = append(b.Symlinks, string(trimNul(s)))
			}
		}
	}
	if v, ok := props["Drive"]; ok {
		if p, ok := v.Value().(dbus.ObjectPath); ok {
			b.Drive = p
		}
	}
	if v, ok := props["Size"]; ok {
		if sz, ok := v.Value().(uint64); ok {
			b.Size = sz
		}
	}
	if v, ok := props["IdUUID"]; ok {
		if s, ok := v.Value().(string); ok {
			b.IDUUID = s
		}
	}
	b.Preferred = b.Device
	if fsProps != nil {
		if v, ok := fsProps["MountPoints"]; ok {
			if raw, ok := v.Value().([][]byte); ok {
				for _, m := range raw {
					b.MountPoints = append(b.MountPoints, string(trimNul(m)))
				}
			}
		}
	}
	return b
}

func decodeDrive(objPath dbus.ObjectPath, props map[string]dbus.Variant) Drive {
	d := Drive{Path: objPath}
	if v, ok := props["Id"]; ok {
		if s, ok := v.Value().(string); ok {
			d.ID = s
		}
	}
	if v, ok := props["Ejectable"]; ok {
		if b, ok := v.Value().(bool); ok {
			d.Ejectable = b
		}
	}
	if v, ok := props["SiblingId"]; ok {
		if s, ok := v.Value().(string); ok {
			d.SiblingID = s
		}
	}
	return d
}

func trimNul(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

func bytesToPath(v interface{}) string {
	if raw, ok := v.([]byte); ok {
		return string(trimNul(raw))
	}
	return ""
}

// GetBlocks returns the current snapshot of known block devices.
func (u *UDisks2) GetBlocks() []Block { return u.blocks }

// GetDrives returns the current snapshot of known drives.
func (u *UDisks2) GetDrives() []Drive { return u.drives }

// GetBlock looks up a block device by its DBus object path.
func (u *UDisks2) GetBlock(p dbus.ObjectPath) (Block, bool) {
	for _, b := range u.blocks {
		if b.Path == p {
			return b, true
		}
	}
	return Block{}, false
}

// GetDrive looks up a drive by its DBus object path.
func (u *UDisks2) GetDrive(p dbus.ObjectPath) (Drive, bool) {
	for _, d := range u.drives {
		if d.Path == p {
			return d, true
		}
	}
	return Drive{}, false
}

// MountErrorAlreadyMounted is the DBus error name UDisks2 returns when
// asked to mount an already-mounted filesystem.
const MountErrorAlreadyMounted = "org.freedesktop.UDisks2.Error.AlreadyMounted"

// Mount calls org.freedesktop.UDisks2.Filesystem.Mount.
func (u *UDisks2) Mount(b Block, interactive bool, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	obj := u.conn.Object(udisksBusName, b.Path)
	options := map[string]dbus.Variant{
		"auth.no_user_interaction": dbus.MakeVariant(!interactive),
	}
	call := obj.CallWithContext(ctx, fsInterface+".Mount", 0, options)
	var mountPath string
	if err := call.Store(&mountPath); err != nil {
		return "", err
	}
	return mountPath, nil
}

// EnsureMounted mounts b, tolerating "already mounted" by consulting the
// refreshed block state for its existing mount point — mirroring
// ensure_mounted in _examples/original_source/src/udev.rs.
func (u *UDisks2) EnsureMounted(b Block, timeout time.Duration) (string, error) {
	mountPoint, err := u.Mount(b, true, timeout)
	if err == nil {
		return mountPoint, nil
	}
	dbusErr, ok := err.(dbus.Error)
	if !ok || dbusErr.Name != MountErrorAlreadyMounted {
		return "", err
	}
	if updateErr := u.Update(); updateErr != nil {
		return "", errors.Wrap(updateErr, "updating Udisks2 because already mounted")
	}
	fresh, ok := u.GetBlock(b.Path)
	if !ok {
		return "", errors.Errorf("udisks2 reported %s and then the block device disappeared", dbusErr.Name)
	}
	if len(fresh.MountPoints) == 0 {
		return "", errors.Errorf("udisks2 reported %s but no mountpoint found", dbusErr.Name)
	}
	return fresh.MountPoints[0], nil
}

// Unmount calls org.freedesktop.UDisks2.Filesystem.Unmount.
func (u *UDisks2) Unmount(b Block, interactive, force bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	obj := u.conn.Object(udisksBusName, b.Path)
	options := map[string]dbus.Variant{
		"auth.no_user_interaction": dbus.MakeVariant(!interactive),
		"force":                    dbus.MakeVariant(force),
	}
	return obj.CallWithContext(ctx, fsInterface+".Unmount", 0, options).Err
}

// Eject calls org.freedesktop.UDisks2.Drive.Eject.
func (u *UDisks2) Eject(d Drive, interactive bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	obj := u.conn.Object(udisksBusName, d.Path)
	options := map[string]dbus.Variant{
		"auth.no_user_interaction": dbus.MakeVariant(!interactive),
	}
	return obj.CallWithContext(ctx, driveInterface+".Eject", 0, options).Err
}

// BlockForDevice returns the UDisks2 block device corresponding to a udev
// Device, matched by device node or symlink.
func BlockForDevice(u *UDisks2, dev *udev.Device) (Block, error) {
	node := dev.Devnode()
	if node == "" {
		return Block{}, errors.Errorf("no device node corresponding to %s", dev.Syspath())
	}
	for _, b := range u.blocks {
		if b.Device == node {
			return b, nil
		}
		for _, s := range b.Symlinks {
			if s == node {
				return b, nil
			}
		}
	}
	return Block{}, errors.Errorf("device %s (for %s) is not known to udisks2", node, dev.Syspath())
}

// BlockByUUID resolves a block device by filesystem UUID.
func BlockByUUID(u *UDisks2, uuid string) Unique[Block] {
	var matches []Block
	for _, b := range u.blocks {
		if b.IDUUID == uuid {
			matches = append(matches, b)
		}
	}
	return GetUnique(matches)
}

// BlockByDriveAndSize resolves a block device by drive object path and size.
func BlockByDriveAndSize(u *UDisks2, drive dbus.ObjectPath, size uint64) Unique[Block] {
	var matches []Block
	for _, b := range u.blocks {
		if b.Drive == drive && b.Size == size {
			matches = append(matches, b)
		}
	}
	return GetUnique(matches)
}

// DrivesFor returns the group of drives sharing a sibling ID with fs's
// drive (e.g. the several drive entries UDisks2 exposes for one physical USB
// stick), or just that single drive if it has no siblings.
func DrivesFor(u *UDisks2, fs Block) ([]Drive, error) {
	drive, ok := u.GetDrive(fs.Drive)
	if !ok {
		return nil, errors.Errorf("could not find drive for %s", fs.Device)
	}
	if drive.SiblingID == "" {
		return []Drive{drive}, nil
	}
	var group []Drive
	for _, d := range u.drives {
		if d.SiblingID == drive.SiblingID {
			group = append(group, d)
		}
	}
	return group, nil
}

// GetMountPointIn returns the mount point of b that path lives under, if
// any. Mirrors get_mountpoint_in in the original implementation.
func GetMountPointIn(b Block, target string) (string, bool) {
	for _, mp := range b.MountPoints {
		if target == mp || pathHasPrefix(target, mp) {
			return mp, true
		}
	}
	return "", false
}

// pathHasPrefix reports whether prefix is target itself or an ancestor
// directory of target, comparing cleaned absolute paths component-wise so
// that e.g. "/mnt/sd" is not considered a prefix of "/mnt/sdcard".
func pathHasPrefix(target, prefix string) bool {
	target = filepath.Clean(target)
	prefix = filepath.Clean(prefix)
	if target == prefix {
		return true
	}
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(target, prefix)
}

