package config

import (
	"os"
	"path/filepath"
)

// userConfigDirOverride returns AURITE_USER_CONFIG_DIR if set, so the
// user-global tier (§4.1 lowest priority) can be relocated for tests or
// containerized deployments.
func userConfigDirOverride() string {
	return os.Getenv("AURITE_USER_CONFIG_DIR")
}

func osUserHomeDir() (string, error) {
	return os.UserHomeDir()
}

// ResolvePath resolves a path-bearing field (e.g. a tool server's
// server_path) relative to the record's Context directory, leaving
// absolute paths untouched. Programmatic records have an empty Context
// and resolve relative to the process's working directory.
func (r *ComponentRecord) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if r.Context == "" {
		return p
	}
	return filepath.Join(r.Context, p)
}
