// Package services defines the business logic over the conversation store,
// token ledger, and directory. This file centralizes the service-level error
// taxonomy so callers can classify failures consistently:
//
//   - Validation errors (bad role, unsupported export format, negative token
//     counts) are sentinel values. They are never retried and surface to the
//     caller immediately.
//   - StorageError wraps connectivity/lock failures from the store. The
//     caller may retry once with backoff; otherwise it surfaces.
//   - UpstreamError wraps completion-service failures (including an empty
//     response). The boundary turns it into a localized apology; nothing
//     false is persisted as an assistant reply.
//
// Translation into user-facing messages is performed at the bot/handler
// layer, not here.
package services

import (
	"errors"
	"fmt"
)

// Validation errors.
var (
	// ErrInvalidRole is returned when a message or ledger role is outside
	// {user, assistant}.
	ErrInvalidRole = errors.New("role must be \"user\" or \"assistant\"")

	// ErrEmptyContent is returned when a message to persist has no content
	// after trimming.
	ErrEmptyContent = errors.New("content is empty")

	// ErrUnsupportedFormat is returned for export formats other than
	// "json" and "txt".
	ErrUnsupportedFormat = errors.New("unsupported export format")

	// ErrNegativeTokens is returned when a ledger record carries a negative
	// token count. Zero is permitted.
	ErrNegativeTokens = errors.New("token count must be >= 0")

	// ErrChatNotFound indicates the referenced chat row does not exist.
	ErrChatNotFound = errors.New("chat not found")
)

// StorageError wraps a database failure with the failing operation and the
// conversation scope, so logs can be correlated across store and ledger.
type StorageError struct {
	Op     string
	ChatID int64
	UserID int64
	Err    error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s (chat=%d user=%d): %v", e.Op, e.ChatID, e.UserID, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error { return e.Err }

// storageErr wraps err unless it is nil or already classified as a
// validation error.
func storageErr(op string, chatID, userID int64, err error) error {
	if err == nil {
		return nil
	}
	if IsValidation(err) {
		return err
	}
	return &StorageError{Op: op, ChatID: chatID, UserID: userID, Err: err}
}

// UpstreamError wraps a completion-service failure.
type UpstreamError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error { return e.Err }

// IsValidation reports whether err belongs to the validation class, i.e.
// retrying cannot help.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRole) ||
		errors.Is(err, ErrEmptyContent) ||
		errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrNegativeTokens) ||
		errors.Is(err, ErrChatNotFound)
}

// IsRetryable reports whether err may be retried once by the caller.
// Only storage failures qualify.
func IsRetryable(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
