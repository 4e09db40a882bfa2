package screenstore

import "errors"

// ErrDuplicate is returned by Stage when the content hash is already present.
// A duplicate capture is a normal outcome, not a failure: the caller simply
// drops the frame.
var ErrDuplicate = errors.New("screenstore: duplicate content hash")

// ErrNotFound is returned when no record exists for the given id.
var ErrNotFound = errors.New("screenstore: record not found")

// ErrNotPending is returned when commit or abort is attempted on a record
// that already reached a terminal state.
var ErrNotPending = errors.New("screenstore: record is not pending")

// ErrMigrationRunning is returned when a data-root migration is already in
// progress.
var ErrMigrationRunning = errors.New("screenstore: directory migration already in progress")
