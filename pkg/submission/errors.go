package submission

import "errors"

var (
	ErrDocumentNotFound  = errors.New("document not found")
	ErrAttemptNotFound   = errors.New("submission attempt not found")
	ErrDocumentSubmitted = errors.New("document already submitted")
	ErrDocumentLocked    = errors.New("document locked by an active submission")
	ErrInvalidTransition = errors.New("invalid state transition")
)
