package validation

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// MinFreeImageSpace is the free space below which the storage check warns.
const MinFreeImageSpace int64 = 1 << 30

// DiskSpaceInfo contains information about disk space.
type DiskSpaceInfo struct {
	Path        string
	Total       int64
	Free        int64
	Used        int64
	UsedPercent float64
}

// FreeFormatted returns the free space in human-readable form.
func (d *DiskSpaceInfo) FreeFormatted() string {
	return humanize.IBytes(uint64(d.Free))
}

// DiskSpaceError indicates a disk space problem.
type DiskSpaceError struct {
	Path      string
	Required  int64
	Available int64
}

func (e *DiskSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space at %s: need %s, have %s free",
		e.Path, humanize.IBytes(uint64(e.Required)), humanize.IBytes(uint64(e.Available)))
}

// GetDiskSpace returns disk space information for the filesystem holding
// path. A path that does not exist yet is resolved through its parents.
func GetDiskSpace(path string) (*DiskSpaceInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if parent := filepath.Dir(path); parent != path {
				return GetDiskSpace(parent)
			}
		}
		return nil, fmt.Errorf("cannot access path %s: %w", path, err)
	}
	if !info.IsDir() {
		path = filepath.Dir(path)
	}

	total, free, err := getDiskSpace(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get disk space for %s: %w", path, err)
	}

	used := total - free
	var usedPercent float64
	if total > 0 {
		usedPercent = float64(used) / float64(total) * 100
	}
	return &DiskSpaceInfo{
		Path:        path,
		Total:       total,
		Free:        free,
		Used:        used,
		UsedPercent: usedPercent,
	}, nil
}

// CheckDiskSpace returns a *DiskSpaceError when less than requiredBytes are
// free at path.
func CheckDiskSpace(path string, requiredBytes int64) error {
	info, err := GetDiskSpace(path)
	if err != nil {
		return err
	}
	if info.Free < requiredBytes {
		return &DiskSpaceError{Path: info.Path, Required: requiredBytes, Available: info.Free}
	}
	return nil
}
