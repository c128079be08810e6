package session

import "errors"

var (
	// ErrNoDraft indicates a finalize attempt with no draft placed by the
	// viewer. Callers must prevent submission.
	ErrNoDraft = errors.New("session: no draft signature placed")
	// ErrDocumentClosed indicates the document reached a terminal state and
	// accepts no further mutation.
	ErrDocumentClosed = errors.New("session: document signing is closed")
	// ErrAlreadySigned indicates the viewer already holds a final signature
	// on the current version.
	ErrAlreadySigned = errors.New("session: signature already finalized")
	// ErrLocked indicates a mutation targeted a final or foreign placement.
	ErrLocked = errors.New("session: placement is locked")
	// ErrDraftDeleted indicates the draft was deleted before its create call
	// resolved; the deletion wins.
	ErrDraftDeleted = errors.New("session: draft deleted before create resolved")
	// ErrUnknownPlacement indicates the target placement is not in the store.
	ErrUnknownPlacement = errors.New("session: unknown placement")
)
