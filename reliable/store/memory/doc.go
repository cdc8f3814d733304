// Package memory provides in-process outbox and inbox stores.
//
// The backend is pseudo-transactional by default: writes are visible as
// soon as they are made. A transactional backend stages writes in the
// session of the active unit of work and applies them atomically when the
// unit completes. Reads always see committed rows only.
package memory
