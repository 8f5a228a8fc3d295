package stack

import "errors"

// Error kinds from spec §7. Structural errors on the revision itself are
// surfaced to the caller; apply-time errors against the target document
// are tolerated so a single broken revision cannot block the stack from
// draining (see Pop).
var (
	// ErrRevisionNotFound is raised when the target document vanished
	// during an update apply, or when preview's base document lookup
	// finds nothing live to start from.
	ErrRevisionNotFound = errors.New("stack: revision target not found")

	// ErrDocumentRevisionInsertFailed is raised when an insert-action
	// apply did not produce the expected document.
	ErrDocumentRevisionInsertFailed = errors.New("stack: document revision insert failed")

	// ErrDocumentRevisionDeleteFailed is raised when a delete-action
	// apply matched zero documents.
	ErrDocumentRevisionDeleteFailed = errors.New("stack: document revision delete failed")

	// ErrRevisionUpdateFailed is raised when marking a revision processed
	// matched zero revision documents — the revision itself was deleted
	// mid-flight. Unlike the apply-time errors above, this is surfaced.
	ErrRevisionUpdateFailed = errors.New("stack: revision update failed")

	// ErrNoRevisionsAvailable is raised by Preview when no revisions
	// exist for the master id at or before the requested toa.
	ErrNoRevisionsAvailable = errors.New("stack: no revisions available")
)
