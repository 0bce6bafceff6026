package segment

import (
	"os"
	"path/filepath"
	"time"
)

// OutputPath builds the segment path spec.md §4.2 names:
// <root>/<stream>/<YYYY>/<MM>/<DD>/<HHMMSS>-<trigger>.mp4.
func OutputPath(root, stream string, start time.Time, trigger string) string {
	dir := filepath.Join(root, stream,
		start.Format("2006"), start.Format("01"), start.Format("02"))
	name := start.Format("150405") + "-" + trigger + ".mp4"
	return filepath.Join(dir, name)
}

// EnsureDir creates dir (and parents) and widens it to 0777, matching the
// historical-compatibility note in spec.md §4.2 for constrained devices.
// MkdirAll alone would leave intermediate directories at 0755 masked by
// umask; the explicit Chmod pass widens the leaf (and only the leaf,
// since that's the directory actually written into).
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.Chmod(dir, 0o777)
}
