//go:build unix

package config

import (
	"fmt"
	"os"
)

// exposure reports how a credential-bearing file is exposed to other local
// users, or "" when only the owner can read it.
func exposure(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Sprintf("mode %04o allows group/other access; run: chmod 600 %s", perm, path)
	}
	return ""
}
