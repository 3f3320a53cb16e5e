//go:build windows

package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// checkFilePermissions warns when the ACL of the config file grants broad groups access.
func checkFilePermissions(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}

	output, err := exec.Command("icacls", path).Output()
	if err != nil {
		return ""
	}
	acl := strings.ToLower(string(output))

	for _, group := range []string{"everyone", "authenticated users", "builtin\\users"} {
		if strings.Contains(acl, group) {
			return fmt.Sprintf(
				"WARNING: Config file '%s' may be readable by other users (%s)\n"+
					"         It may hold store passwords, OAuth client secrets or the broker key.\n"+
					"         Secure it in PowerShell:\n"+
					"         icacls \"%s\" /inheritance:r /grant:r \"%%USERNAME%%:F\"\n\n",
				path, group, path,
			)
		}
	}
	return ""
}
