package backup

import (
	"errors"
	"fmt"

	"github.com/roach88/tenantmig/internal/ir"
)

var (
	// ErrTampered means a stored payload no longer matches its recorded
	// checksum or size.
	ErrTampered = errors.New("snapshot checksum mismatch")

	// ErrIncomplete means the snapshot never reached completed or its
	// payload is missing.
	ErrIncomplete = errors.New("snapshot is not complete")
)

// BackupFailure reports a snapshot that could not be taken or verified.
// Any destructive caller must abort on it.
type BackupFailure struct {
	SnapshotID string
	Scope      ir.Scope
	Err        error
}

func (e *BackupFailure) Error() string {
	return fmt.Sprintf("backup of %s failed (snapshot %s): %v", e.Scope, e.SnapshotID, e.Err)
}

func (e *BackupFailure) Unwrap() error { return e.Err }
