package retention

import "os"

// walkDir and walkDirRecursive are adapted from the teacher's
// internal/recording/retention.go, repurposed from "compute total storage
// usage for the proportional-tier drain" into the quota pass's "compute
// current on-disk usage for one stream's subtree" step (spec.md §4.5:
// "Compute current on-disk usage for the stream ... prefer filesystem to
// be self-healing").
func walkDir(root string, fn func(path string, info os.FileInfo) error) error {
	return walkDirRecursive(root, fn)
}

func walkDirRecursive(path string, fn func(path string, info os.FileInfo) error) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		fullPath := path + "/" + entry.Name()
		info, err := entry.Info()
		if err != nil {
			continue
		}

		if err := fn(fullPath, info); err != nil {
			return err
		}

		if entry.IsDir() {
			if err := walkDirRecursive(fullPath, fn); err != nil {
				return err
			}
		}
	}

	return nil
}

// streamUsageBytes sums on-disk file sizes under root/stream.
func streamUsageBytes(root, stream string) (int64, error) {
	var total int64
	err := walkDir(root+"/"+stream, func(path string, info os.FileInfo) error {
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
