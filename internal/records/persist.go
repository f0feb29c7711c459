package records

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// coreSaveOrder is the fixed leading column order for saved snapshots.
// Any extra pipeline columns follow in sorted order.
var coreSaveOrder = []string{
	FieldAccessionID,
	FieldStain,
	FieldBlockNumber,
	FieldComplete,
	FieldAccessionCount,
	FieldOriginalLine,
}

// Save writes the full record set back to the snapshot path atomically:
// the rows are written to a temp file in the same directory which then
// replaces the target by rename. On any failure the temp file is removed
// and the previous snapshot is untouched.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return &SaveError{Path: s.path, Err: err}
	}
	tmpName := tmp.Name()

	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return &SaveError{Path: s.path, Err: err}
	}

	headers := make([]string, 0, len(coreSaveOrder)+len(s.extraHeaders))
	headers = append(headers, coreSaveOrder...)
	headers = append(headers, s.extraHeaders...)

	w := csv.NewWriter(tmp)
	w.Comma = snapshotDelimiter

	if err := w.Write(headers); err != nil {
		return cleanup(err)
	}
	row := make([]string, len(headers))
	for _, rec := range s.records {
		row[0] = rec.AccessionID
		row[1] = rec.Stain
		row[2] = rec.BlockNumber
		row[3] = completeString(rec.IsComplete)
		row[4] = strconv.Itoa(rec.AccessionCount)
		row[5] = rec.OriginalLine
		for i, h := range s.extraHeaders {
			row[len(coreSaveOrder)+i] = rec.Extra[h]
		}
		if err := w.Write(row); err != nil {
			return cleanup(err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &SaveError{Path: s.path, Err: err}
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return &SaveError{Path: s.path, Err: err}
	}

	if info, err := os.Stat(s.path); err == nil {
		s.lastMod = info.ModTime()
	}
	s.stale.Store(false)

	s.logger.Info("saved snapshot",
		zap.String("path", s.path),
		zap.Int("records", len(s.records)))
	return nil
}

// backupTimestamp is the filename timestamp layout for backups.
const backupTimestamp = "20060102_150405"

// Backup copies the current on-disk snapshot into backupDir under a
// timestamped name before it is overwritten. Multiple saves within the
// same second share the first backup; an existing backup file is never
// replaced. A missing snapshot is not an error, since there is nothing
// to preserve on first save.
func (s *Store) Backup(backupDir string) (string, error) {
	return s.backupAt(backupDir, time.Now())
}

func (s *Store) backupAt(backupDir string, now time.Time) (string, error) {
	src, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", &BackupError{Path: s.path, Err: err}
	}
	defer src.Close()

	if err := os.MkdirAll(backupDir, 0o750); err != nil {
		return "", &BackupError{Path: s.path, Err: err}
	}

	// The full snapshot filename, extension included, stays in the backup
	// name so backups of differently named snapshots never collide.
	name := fmt.Sprintf("%s_%s.bak", filepath.Base(s.path), now.Format(backupTimestamp))
	dst := filepath.Join(backupDir, name)

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if os.IsExist(err) {
			// Same-second save already preserved this state.
			return dst, nil
		}
		return "", &BackupError{Path: s.path, Err: err}
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return "", &BackupError{Path: s.path, Err: err}
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", &BackupError{Path: s.path, Err: err}
	}

	s.logger.Info("backed up snapshot", zap.String("backup", dst))
	return dst, nil
}
