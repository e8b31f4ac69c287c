// Package qerrors defines the error taxonomy (§7) shared by the queue
// and transfer engine. Protocol handlers should check for these
// sentinels and map them to the appropriate ADC/NMDC wire status.
package qerrors

import "errors"

var (
	// ErrTransportFailed indicates a socket-level disconnect or
	// protocol parse error on a connection.
	//
	// Protocol Mapping:
	//   - Recovery: source record kept; completed prefix of the
	//     current segment is committed, rounded down to a block
	//     boundary; the connection is destroyed.
	ErrTransportFailed = errors.New("transport failed")

	// ErrFileUnavailable indicates the remote peer reported the
	// requested file no longer exists.
	//
	// Protocol Mapping:
	//   - ADC/NMDC status 51 (File Not Available)
	//   - Recovery: source marked FILE_NOT_AVAILABLE; file stays queued.
	ErrFileUnavailable = errors.New("file not available")

	// ErrAccessDenied indicates the remote peer refused the transfer.
	//
	// Protocol Mapping:
	//   - ADC/NMDC status 53 (No Slots / No Access)
	//   - Recovery: source marked NO_FILE_ACCESS, blocked on this hub
	//     URL only.
	ErrAccessDenied = errors.New("access denied")

	// ErrNoSlots indicates the remote has no free upload slots.
	//
	// Protocol Mapping:
	//   - ADC/NMDC MaxedOut
	//   - Recovery: no source mutation; the connection retries later.
	ErrNoSlots = errors.New("no slots available")

	// ErrTreeMismatch indicates a downloaded tiger tree's root does
	// not match the file's advertised TTH.
	//
	// Protocol Mapping:
	//   - Recovery: source marked BAD_TREE; tree segment retried
	//     against another source.
	ErrTreeMismatch = errors.New("tree hash mismatch")

	// ErrSegmentMismatch indicates an SND reply did not match the
	// GET that requested it (wrong type, path, start, or size).
	//
	// Protocol Mapping:
	//   - Recovery: fatal for this download only; the scheduler
	//     tries the next segment.
	ErrSegmentMismatch = errors.New("segment mismatch")

	// ErrDiskFull indicates a write to the temp target failed due to
	// insufficient space or another filesystem write failure.
	//
	// Protocol Mapping:
	//   - Recovery: bundle enters DOWNLOAD_ERROR; all downloads for
	//     the bundle disconnect. The bundle recovers automatically
	//     once free space >= remaining size.
	ErrDiskFull = errors.New("disk full or write failed")

	// ErrHashMismatch indicates a completed block failed verification
	// against the file's tiger tree during segment commit.
	//
	// Protocol Mapping:
	//   - Recovery: offending range removed from file.done; file
	//     rescheduled.
	ErrHashMismatch = errors.New("block hash mismatch")

	// ErrValidationRejected indicates an external validation hook
	// rejected a fully downloaded bundle.
	//
	// Protocol Mapping:
	//   - Recovery: bundle enters VALIDATION_ERROR with a stored
	//     reason; does not auto-retry.
	ErrValidationRejected = errors.New("validation hook rejected bundle")

	// ErrNotFound indicates a lookup (file, bundle, source, token)
	// found no matching record.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates an insert was attempted for a key that
	// already exists (e.g. a connection token, or a bundle target
	// that overlaps an existing bundle).
	ErrDuplicate = errors.New("duplicate")

	// ErrInvalidState indicates an operation was attempted against a
	// record in a state that does not permit it (e.g. scheduling a
	// segment on a paused file).
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrNoWork indicates the scheduler found no assignable download
	// for the given connection context. It is not a failure: callers
	// should consult the accompanying reason value.
	ErrNoWork = errors.New("no work available")
)
