//go:build windows

package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

var broadPrincipals = []string{"everyone", "authenticated users", "builtin\\users"}

// exposure reports how a credential-bearing file is exposed to other local
// users, or "" when no broad principal appears in its ACL.
func exposure(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	out, err := exec.Command("icacls", path).Output()
	if err != nil {
		return ""
	}
	acl := strings.ToLower(string(out))
	for _, p := range broadPrincipals {
		if strings.Contains(acl, p) {
			return fmt.Sprintf("ACL grants %q; run: icacls \"%s\" /inheritance:r /grant:r \"%%USERNAME%%:F\"", p, path)
		}
	}
	return ""
}
