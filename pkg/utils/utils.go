package utils

import (
	"os"
	"path/filepath"
	"strings"
)

// CacheDir returns the default location for persistent cache blobs.
func CacheDir() string {
	tmpDir, err := os.UserCacheDir()
	if err != nil {
		tmpDir = os.TempDir()
	}
	return filepath.Join(tmpDir, "vulnscan-db")
}

// NormalizePkgName lowercases npm package names; registry lookups are
// case-insensitive but advisories are not always consistent about casing.
func NormalizePkgName(pkgName string) string {
	return strings.ToLower(pkgName)
}
