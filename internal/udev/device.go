// Package udev wraps github.com/jochenvg/go-udev device lookups and a thin
// hand-written UDisks2 DBus client (no Go UDisks2 binding exists in the
// ecosystem or the example pack, unlike the original Rust implementation's
// dbus_udisks2 crate — see DESIGN.md) used by the umount and usbreset cache
// policies to resolve and manipulate the removable media bearing a
// destination path.
//
// Grounded on _examples/original_source/src/udev.rs.
package udev

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jochenvg/go-udev"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/symphorien/cccp/internal/classify"
)

// UnderlyingDeviceNumber returns the device number of the device bearing the
// specified path. Either path or its parent must exist.
func UnderlyingDeviceNumber(path string) (uint64, error) {
	var st unix.Stat_t
	err := unix.Lstat(path, &st)
	if err != nil && os.IsNotExist(err) {
		parent := filepath.Dir(path)
		if statErr := unix.Lstat(parent, &st); statErr != nil {
			return 0, errors.Wrapf(statErr, "stat(%s) for device number bearing %s", parent, path)
		}
	} else if err != nil {
		return 0, errors.Wrapf(err, "stat(%s) for device number", path)
	}

	kind, _ := classify.OfPath(path)
	if kind == classify.Device {
		return uint64(st.Rdev), nil
	}
	return uint64(st.Dev), nil
}

// UnderlyingDevice returns the udev Device bearing the specified path, via
// /sys/dev/block/<major>:<minor>. Either path or its parent must exist.
func UnderlyingDevice(u udev.Udev, path string) (*udev.Device, error) {
	number, err := UnderlyingDeviceNumber(path)
	if err != nil {
		return nil, err
	}
	major := unix.Major(number)
	minor := unix.Minor(number)
	syspath := fmt.Sprintf("/sys/dev/block/%d:%d", major, minor)

	device := u.NewDeviceFromSyspath(syspath)
	if device == nil {
		return nil, errors.Errorf("opening %s underlying device of %s", syspath, path)
	}
	return device, nil
}

// USBHubFor walks up the udev parent chain from dev looking for the first
// ancestor whose subsystem and driver are both "usb" — the owning USB hub.
func USBHubFor(dev *udev.Device) (*udev.Device, error) {
	cur := dev
	for {
		parent := cur.Parent()
		if parent == nil {
			return nil, errors.Errorf("%s is not on a usb hub", dev.Syspath())
		}
		if parent.Subsystem() == "usb" && parent.Driver() == "usb" {
			return parent, nil
		}
		cur = parent
	}
}

// usbDevFSReset is the USBDEVFS_RESET ioctl, opcode _IO('U', 20), per
// spec.md §6.
const usbDevFSReset = ('U' << 8) | 20

// ResetUSBHub resets a usb device, per
// https://marc.info/?l=linux-usb-users&m=116827193506484. If dryrun is true,
// only the permission check (opening the bus device file for write) is
// performed — the ioctl itself is not issued. This lets permission_check
// verify ioctl access without actually resetting the bus.
func ResetUSBHub(dev *udev.Device, dryrun bool) error {
	busnum := dev.SysattrValue("busnum")
	devnum := dev.SysattrValue("devnum")
	if busnum == "" || devnum == "" {
		return errors.Errorf("device %s is missing busnum or devnum attribute", dev.Syspath())
	}
	bus, err := leftpad3(busnum)
	if err != nil {
		return errors.Wrap(err, "bus number")
	}
	devPart, err := leftpad3(devnum)
	if err != nil {
		return errors.Wrap(err, "dev number")
	}
	buspath := filepath.Join("/dev/bus/usb", bus, devPart)

	f, err := os.OpenFile(buspath, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "opening usb device %s for reset ioctl", buspath)
	}
	defer f.Close()

	if dryrun {
		return nil
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), usbDevFSReset, 0); errno != 0 {
		return errors.Wrapf(errno, "ioctl(%s, USBDEVFS_RESET, 0)", buspath)
	}
	return nil
}

func leftpad3(s string) (string, error) {
	if len(s) > 3 {
		return "", errors.Errorf("more than 3 digits: %s", s)
	}
	var buf [3]byte
	buf[0], buf[1], buf[2] = '0', '0', '0'
	copy(buf[3-len(s):], s)
	return string(buf[:]), nil
}
