// Package filex has filesystem helpers for the local data directory.
package filex

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnsureParentDir creates the directory that will hold path, so sqlite can
// create its database file there. In-memory DSNs are left alone.
func EnsureParentDir(path string) error {
	if IsMemoryDSN(path) {
		return nil
	}
	dir := filepath.Dir(strings.TrimPrefix(path, "file:"))
	if i := strings.IndexByte(dir, '?'); i >= 0 {
		dir = dir[:i]
	}
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// IsMemoryDSN reports whether dsn points at an in-memory sqlite database.
func IsMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}
