package records

import "fmt"

// LoadError reports a snapshot that is missing, unreadable or malformed.
// The store is left empty when it is returned.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load snapshot %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// SaveError reports a write-time I/O failure. In-memory edits are kept;
// the partial temp file is removed so the target is never corrupted.
type SaveError struct {
	Path string
	Err  error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("failed to save snapshot %s: %v", e.Path, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// BackupError reports a failure to copy the snapshot into the backup
// directory. A save that follows a reviewer edit must not proceed past it.
type BackupError struct {
	Path string
	Err  error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("failed to back up snapshot %s: %v", e.Path, e.Err)
}

func (e *BackupError) Unwrap() error { return e.Err }
