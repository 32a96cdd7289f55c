package platform

import "os"

// ReadinessSentinel reports whether the well-known readiness file exists:
// the signal from the rest of the system that boot has progressed far
// enough to permit suspend (spec §6's filesystem sentinel, grounded on
// suspend.c's raw access("/tmp/suspend_active", R_OK) check).
func ReadinessSentinel(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// SupportsWakelocks reports whether the platform exposes a kernel
// wakelock sysfs node, selecting the activity registry's wakelock-capable
// mode versus its freeze/thaw fallback (spec §4.2), grounded on
// machine.c's MachineSupportsWakelocks.
func SupportsWakelocks(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
