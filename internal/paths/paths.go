package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	appName = "stratum"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/stratum or /run/user/<uid>/stratum
//	macOS:   ~/Library/Caches/stratum/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, appName)
	}
	return filepath.Join(xdg.CacheHome, appName, "run")
}

// Default path to the Unix domain socket for CLI-to-daemon communication.
//
//	Linux:   $XDG_RUNTIME_DIR/stratum/stratum.sock
//	macOS:   ~/Library/Caches/stratum/run/stratum.sock
func Socket() string {
	return filepath.Join(Runtime(), "stratum.sock")
}

// Default path to the PID file.
//
//	Linux:   $XDG_RUNTIME_DIR/stratum/stratum.pid
//	macOS:   ~/Library/Caches/stratum/run/stratum.pid
func PIDFile() string {
	return filepath.Join(Runtime(), "stratum.pid")
}

// Default root of the local image store.
//
//	Linux:   $XDG_DATA_HOME/stratum/store
//	macOS:   ~/Library/Application Support/stratum/store
func Store() string {
	return filepath.Join(xdg.DataHome, appName, "store")
}

// Default path to the layer cache index.
//
//	Linux:   $XDG_CACHE_HOME/stratum/cache.yaml
//	macOS:   ~/Library/Caches/stratum/cache.yaml
func CacheIndex() string {
	return filepath.Join(xdg.CacheHome, appName, "cache.yaml")
}

// Scratch directory for build intermediates.
//
// Files placed here are removed once the step that produced them completes.
func Scratch() string {
	return filepath.Join(xdg.CacheHome, appName, "tmp")
}
