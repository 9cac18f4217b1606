package paths

import (
	"os"
	"path/filepath"
)

// EnvDataDir overrides the default data directory.
const EnvDataDir = "P2P_FILES_DATA_DIR"

// DefaultDataDir returns a per-user directory for peer state such as the
// digest cache. It honours EnvDataDir, then os.UserConfigDir, and falls back
// to the current directory.
func DefaultDataDir() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir
	}
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "p2p-files")
	}
	return ".p2p-files"
}

// EnsureDir makes sure dir exists and returns the cleaned path.
func EnsureDir(dir string) (string, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// DigestCache is the location of the digest cache database inside dataDir.
func DigestCache(dataDir string) string {
	return filepath.Join(dataDir, "digests.db")
}
