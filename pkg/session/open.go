package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// Open selects and opens the Store backend named by the CACHE_BACKEND
// environment variable ("file", the default, or "sqlite"), rooted at
// cacheDir (§6).
func Open(cacheDir string) (Store, error) {
	switch os.Getenv("CACHE_BACKEND") {
	case "sqlite":
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("session: create cache dir %s: %w", cacheDir, err)
		}
		return NewSQLStore(filepath.Join(cacheDir, "sessions.db"))
	case "", "file":
		return NewFileStore(cacheDir)
	default:
		return nil, fmt.Errorf("session: unknown CACHE_BACKEND %q", os.Getenv("CACHE_BACKEND"))
	}
}
