package platform

import (
	"strings"

	"golang.org/x/sys/unix"
)

// MachineName returns the machine-specific portion of the kernel release
// string, e.g. "uname -r" of "2.6.22.1-11-palm-joplin-2430" yields
// "palm-joplin-2430". Grounded on machine.c's MachineGetName, reimplemented
// with golang.org/x/sys/unix.Uname instead of the C uname(2) call.
func MachineName() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "unknown"
	}
	rest := cString(uts.Release[:])
	for {
		idx := strings.IndexByte(rest, '-')
		if idx < 0 {
			return "unknown"
		}
		rest = rest[idx+1:]
		if rest == "" {
			return "unknown"
		}
		if !isDigit(rest[0]) {
			break
		}
	}
	return rest
}

// isDigit mirrors glib's g_ascii_isdigit check on the single byte
// immediately following each '-' found while walking the release string.
func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func cString(b []byte) string {
	n := strings.IndexByte(string(b), 0)
	if n < 0 {
		n = len(b)
	}
	return string(b[:n])
}
