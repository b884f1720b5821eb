// Package provider is the boundary to the third-party certification service.
// Calls are safe to repeat for the same content but are never assumed atomic.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Request struct {
	DocumentID     uuid.UUID
	ContentVersion int
	IdempotencyKey string
	Content        []byte
}

type Receipt struct {
	Reference string                 `json:"reference"`
	StampedAt time.Time              `json:"stamped_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type Submitter interface {
	Submit(ctx context.Context, req Request) (Receipt, error)
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, req Request) (Receipt, error)

func (f SubmitterFunc) Submit(ctx context.Context, req Request) (Receipt, error) {
	return f(ctx, req)
}

// ErrUnreadableReceipt matches a 2xx answer whose body could not be read as a
// receipt. The provider may have stamped the document, so the call is retried
// under the same idempotency key rather than failed.
var ErrUnreadableReceipt = errors.New("unreadable provider receipt")

type ReceiptError struct {
	Status int
	Err    error
}

func (e *ReceiptError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("unreadable provider receipt (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("unreadable provider receipt: %v", e.Err)
}

func (e *ReceiptError) Unwrap() error { return e.Err }

func (e *ReceiptError) Is(target error) bool { return target == ErrUnreadableReceipt }

func (e *ReceiptError) UnreadableReceipt() bool { return true }

// Error is a rejection reported by the provider itself, as opposed to a
// transport failure.
type Error struct {
	Status  int
	Code    string
	Message string
	// Retryable is the provider's own hint, when it sends one.
	Retryable *bool
	// ExistingReference is set when the provider reports the content as
	// already processed and tells us under which reference.
	ExistingReference string
	Body              map[string]interface{}
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("provider returned %d: %s", e.Status, e.Message)
}

func (e *Error) ErrorCode() string { return e.Code }

func (e *Error) HTTPStatus() int { return e.Status }

func (e *Error) RetryableHint() (bool, bool) {
	if e.Retryable == nil {
		return false, false
	}
	return *e.Retryable, true
}

// Diagnostics is the opaque payload persisted on the failed attempt.
func (e *Error) Diagnostics() map[string]interface{} {
	out := map[string]interface{}{
		"status":  e.Status,
		"message": e.Message,
	}
	if e.Code != "" {
		out["code"] = e.Code
	}
	if e.ExistingReference != "" {
		out["existing_reference"] = e.ExistingReference
	}
	if len(e.Body) > 0 {
		out["body"] = e.Body
	}
	return out
}
