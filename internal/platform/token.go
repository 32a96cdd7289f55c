package platform

import (
	"os"
	"path/filepath"
	"strings"
)

// tokenDir is the well-known directory the original reads small
// platform-provisioned token files from (machine.c's MachineGetToken,
// "/dev/tokens/<name>").
const tokenDir = "/dev/tokens"

// ReadToken reads the named token file, trimming every trailing NUL and
// newline byte, in place of the original's raw read()+buf[ret]='\0'
// termination.
// Grounded on machine.c's MachineGetToken and reused with the teacher's
// file-read idiom from gateway.LoadDeviceToken.
func ReadToken(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(tokenDir, name))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\x00\n"), nil
}
