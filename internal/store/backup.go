package store

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// backupTimeLayout is the fixed-width timestamp segment in backup filenames.
const backupTimeLayout = "20060102150405"

// BackupInfo describes one immutable published snapshot.
type BackupInfo struct {
	Version   uint      `json:"version"`
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"created_at"`
	Remark    string    `json:"remark,omitempty"`
	Etag      string    `json:"etag,omitempty"`
}

// backupFilename encodes version and creation time:
// <config-basename>.v<version>.<YYYYMMDDHHMMSS>
func backupFilename(base string, version uint, t time.Time) string {
	return fmt.Sprintf("%s.v%d.%s", base, version, t.Format(backupTimeLayout))
}

// parseBackupFilename inverts backupFilename. Anything that does not match
// the shape is ignored by the scan.
func parseBackupFilename(base, name string) (uint, time.Time, bool) {
	if !strings.HasPrefix(name, base+".v") {
		return 0, time.Time{}, false
	}
	parts := strings.Split(name, ".")
	if len(parts) < 3 {
		return 0, time.Time{}, false
	}
	verPart := parts[len(parts)-2]
	if !strings.HasPrefix(verPart, "v") {
		return 0, time.Time{}, false
	}
	version, err := strconv.ParseUint(verPart[1:], 10, 32)
	if err != nil || version == 0 {
		return 0, time.Time{}, false
	}
	ts, err := time.ParseInLocation(backupTimeLayout, parts[len(parts)-1], time.Local)
	if err != nil {
		return 0, time.Time{}, false
	}
	return uint(version), ts, true
}

// scanBackups rehydrates backup history from the filesystem, newest version
// first. Remarks are not persisted in filenames, so rehydrated entries carry
// none.
func scanBackups(dir, base string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan backup dir %s: %w", dir, err)
	}

	var backups []BackupInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version, ts, ok := parseBackupFilename(base, e.Name())
		if !ok {
			continue
		}
		backups = append(backups, BackupInfo{
			Version:   version,
			Filename:  e.Name(),
			CreatedAt: ts,
		})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].Version > backups[j].Version })
	return backups, nil
}
