//go:build unix

package config

import (
	"fmt"
	"os"
)

// checkFilePermissions warns when group or others can read the config file.
func checkFilePermissions(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}

	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Sprintf(
			"WARNING: Config file '%s' is readable by other users (%04o)\n"+
				"         It may hold store passwords, OAuth client secrets or the broker key.\n"+
				"         Run: chmod 600 %s\n\n",
			path, mode, path,
		)
	}
	return ""
}
