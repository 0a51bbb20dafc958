package mailbox

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// ShutdownSentinel is the filename whose mere presence in a worker's input
// directory signals a cooperative shutdown. The file carries no payload.
const ShutdownSentinel = "shutdown"

// DropSentinel creates (or truncates) a zero-payload sentinel file in dir.
func DropSentinel(dir, name string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), nil, 0o644)
}

// SentinelPresent reports whether the sentinel exists in dir.
func SentinelPresent(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

// ClearSentinel removes a sentinel if present. Stale leftovers from a
// previous run are corrected this way at startup rather than treated as
// errors.
func ClearSentinel(dir, name string) error {
	err := os.Remove(filepath.Join(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
