// Package platform wraps the opaque platform power device and the small
// set of sysfs/filesystem collaborators the suspend state machine reads
// through documented, narrow interfaces (spec §6).
package platform

import (
	"errors"
	"os"
	"os/exec"
)

// Mode selects between a normal and an emergency shutdown/reboot path
// (spec §3's fasthalt option, §6's shutdown/reboot contract).
type Mode int

const (
	Normal Mode = iota
	Emergency
)

func (m Mode) String() string {
	if m == Emergency {
		return "emergency"
	}
	return "normal"
}

// Device is the opaque platform power device contract from spec §6. The
// suspend state machine invokes SuspendAsync from the Sleep state and
// expects it to return only after wake.
type Device interface {
	SuspendAsync() error
	Resume() error
	Shutdown(mode Mode, reason string)
	Reboot(mode Mode, reason string)
}

// LinuxDevice is the default Device implementation: it drives the kernel
// suspend/reboot/poweroff primitives by writing the well-known sysfs
// strings, the same way the teacher's power.suspendToRAM writes
// "/sys/power/state", generalized to the full device contract.
type LinuxDevice struct {
	SuspendStatePath string
}

// NewLinuxDevice returns a LinuxDevice that writes to statePath on
// suspend (normally "/sys/power/state").
func NewLinuxDevice(statePath string) *LinuxDevice {
	return &LinuxDevice{SuspendStatePath: statePath}
}

func (d *LinuxDevice) SuspendAsync() error {
	return writeSysfs(d.SuspendStatePath, "mem")
}

// Resume is a no-op on Linux: the kernel has already resumed execution
// by the time SuspendAsync returns. It exists to satisfy the Device
// contract and to give resume-path instrumentation a single call site.
func (d *LinuxDevice) Resume() error {
	return nil
}

// Shutdown brings the system down. Normal mode runs through the usual
// init-managed shutdown; Emergency mode writes the sysrq trigger directly,
// bypassing init, matching the source's fasthalt distinction between
// NYX_SYSTEM_NORMAL_SHUTDOWN and NYX_SYSTEM_EMERG_SHUTDOWN.
func (d *LinuxDevice) Shutdown(mode Mode, reason string) {
	if mode == Emergency {
		_ = writeSysfs("/proc/sysrq-trigger", "o")
		return
	}
	_ = exec.Command("/sbin/shutdown", "-h", "now", reason).Run()
}

// Reboot brings the system back up. See Shutdown for the normal/emergency
// distinction.
func (d *LinuxDevice) Reboot(mode Mode, reason string) {
	if mode == Emergency {
		_ = writeSysfs("/proc/sysrq-trigger", "b")
		return
	}
	_ = exec.Command("/sbin/shutdown", "-r", "now", reason).Run()
}

// writeSysfs writes value to the sysfs node at path, grounded on
// machine.c's SysfsWriteString (TurnBypassOn/TurnBypassOff, the suspend
// state write).
func writeSysfs(path, value string) error {
	if path == "" {
		return errors.New("platform: empty sysfs path")
	}
	return os.WriteFile(path, []byte(value), 0)
}

// SetChargeBypass toggles the charger-bypass sysfs pin, supplemented from
// machine.c's TurnBypassOn/TurnBypassOff: "0" means bypass on, "1" means
// bypass off, preserved from the original's inverted-logic sysfs node.
func SetChargeBypass(on bool) error {
	value := "1"
	if on {
		value = "0"
	}
	return writeSysfs("/sys/user_hw/pins/power/chg_bypass/level", value)
}
