package service

import (
	"fmt"
	"strings"

	"github.com/choraleia/relaychat/pkg/store"
	"github.com/pkg/errors"
)

var (
	// ErrValidation is the parent of every rejected-input error.
	ErrValidation            = errors.New("invalid request")
	ErrEmptyPrompt           = fmt.Errorf("%w: prompt has no text and no attachments", ErrValidation)
	ErrInvalidIndex          = fmt.Errorf("%w: invalid message index", ErrValidation)
	ErrUnsupportedModel      = fmt.Errorf("%w: unsupported model", ErrValidation)
	ErrAttachmentUnavailable = fmt.Errorf("%w: attachment unavailable", ErrValidation)
	ErrEmptyLabel            = fmt.Errorf("%w: label is empty", ErrValidation)

	ErrCredentialRequired = errors.New("provider credential required")
	ErrAlreadyGenerating  = errors.New("chat is already generating")
	ErrChatNotFound       = store.ErrChatNotFound
	ErrStorage            = errors.New("storage failure")
)

// StorageError wraps a failure of the conversation store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// storageError classifies a store failure. Not-found passes through so
// callers can still match it.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrChatNotFound) {
		return ErrChatNotFound
	}
	return &StorageError{Op: op, Err: errors.WithStack(err)}
}

// formatProviderError turns a provider failure into a message fit for a
// chat transcript.
func formatProviderError(err error) string {
	errStr := err.Error()

	var msg string
	switch {
	case strings.Contains(errStr, "context canceled"):
		msg = "The request was cancelled."

	case strings.Contains(errStr, "context deadline exceeded"):
		msg = "The response took too long and was stopped. Please try again."

	case strings.Contains(errStr, "rate limit"), strings.Contains(errStr, "429"):
		msg = "Rate limit exceeded. Please wait a moment and try again."

	case strings.Contains(errStr, "insufficient_quota"):
		msg = "API quota exceeded. Please check your API key balance."

	case strings.Contains(errStr, "invalid_api_key"), strings.Contains(errStr, "401"):
		msg = "Invalid API key. Please check your API key configuration."

	case strings.Contains(errStr, "model not found"):
		msg = "The selected model is not available. Please choose a different model."

	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		msg = "Failed to connect to the AI service. Please check your network connection."

	default:
		msg = "An error occurred: " + simplifyErrorMessage(errStr)
	}
	return msg
}

const maxErrorRunes = 200

// simplifyErrorMessage removes verbose technical details from error messages
func simplifyErrorMessage(errStr string) string {
	if idx := strings.Index(errStr, "\n"); idx != -1 {
		errStr = errStr[:idx]
	}
	if r := []rune(errStr); len(r) > maxErrorRunes {
		errStr = string(r[:maxErrorRunes]) + "..."
	}
	return errStr
}
