// Package store persists committed marketplace snapshots. The ABCI
// application saves a snapshot on every Commit and loads the latest one at
// startup so that Tendermint can resume from the stored height.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"sbtc.bazaar/bazaar/internal/config"
	"sbtc.bazaar/bazaar/internal/types"
)

// Store is the persistence contract used by the ABCI application.
type Store interface {
	// Load returns the latest committed snapshot, or nil when nothing has
	// been committed yet.
	Load() (*types.Snapshot, error)
	// Save atomically replaces the stored snapshot.
	Save(snap *types.Snapshot) error
	Close() error
}

// Backupper is implemented by stores that can copy themselves aside.
type Backupper interface {
	BackupCurrent(maxBackups int) (string, error)
	Backups() ([]BackupFile, error)
}

// BackupFile describes one backup on disk.
type BackupFile struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
}

func listBackupFiles(dir, prefix, ext string) ([]BackupFile, error) {
	backups, err := listBackups(dir, prefix, ext)
	if err != nil {
		return nil, err
	}
	files := make([]BackupFile, 0, len(backups))
	for i := len(backups) - 1; i >= 0; i-- {
		info, err := os.Stat(backups[i].path)
		if err != nil {
			continue
		}
		files = append(files, BackupFile{
			Filename:  filepath.Base(backups[i].path),
			Timestamp: time.Unix(backups[i].timestamp, 0),
			Size:      info.Size(),
		})
	}
	return files, nil
}

// Open opens the store selected by driver under dataDir.
func Open(driver, dataDir string, log *zap.Logger) (Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch driver {
	case config.DriverSQLite, "":
		return NewSQLiteStore(filepath.Join(dataDir, defaultDBFile), log)
	case config.DriverBadger:
		return OpenBadger(filepath.Join(dataDir, "badger"), log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
