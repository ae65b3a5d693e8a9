package chat

import (
	"errors"
	"fmt"
	"net/http"

	"polychat/internal/attachments"
	"polychat/internal/credentials"
	"polychat/internal/errnorm"
	"polychat/internal/providers"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrMissingContent  = errors.New("message text or attachments are required")
	ErrMessageTooLong  = errors.New("message is too long")
	ErrThreadNotFound  = errors.New("thread not found")
	ErrProjectNotFound = errors.New("project not found")
)

// Error is the single failure value a chat request ends with. Message is
// safe to show to the caller.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func internalError(err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Message: errnorm.Fallback, Err: err}
}

func providerError(err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Message: errnorm.Normalize(err), Err: err}
}

// requestError classifies failures that happen before the provider call.
func requestError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	switch {
	case errors.Is(err, ErrUnauthenticated):
		return &Error{Status: http.StatusUnauthorized, Message: "Unauthorized", Err: err}
	case errors.Is(err, ErrMessageTooLong), errors.Is(err, attachments.ErrAttachmentTooLarge):
		return &Error{Status: http.StatusRequestEntityTooLarge, Message: capitalize(rootMessage(err)), Err: err}
	case errors.Is(err, ErrThreadNotFound), errors.Is(err, ErrProjectNotFound):
		return &Error{Status: http.StatusNotFound, Message: capitalize(rootMessage(err)), Err: err}
	case errors.Is(err, ErrMissingContent),
		errors.Is(err, providers.ErrUnsupportedProvider),
		errors.Is(err, attachments.ErrTooManyAttachments),
		errors.Is(err, attachments.ErrInvalidAttachment),
		errors.Is(err, attachments.ErrUnsupportedAttachmentType),
		errors.Is(err, attachments.ErrInvalidAttachmentReference),
		errors.Is(err, attachments.ErrAttachmentsUnsupportedForProvider):
		return &Error{Status: http.StatusBadRequest, Message: capitalize(rootMessage(err)), Err: err}
	case errors.Is(err, credentials.ErrCredentialNotFound):
		return &Error{Status: http.StatusInternalServerError, Message: "No API key is configured for this provider", Err: err}
	case errors.Is(err, credentials.ErrCredentialInvalid):
		return &Error{Status: http.StatusInternalServerError, Message: "The stored API key for this provider could not be read", Err: err}
	default:
		return internalError(err)
	}
}

// rootMessage returns the text of the known sentinel in err's chain.
func rootMessage(err error) string {
	for _, s := range []error{
		ErrMessageTooLong,
		ErrThreadNotFound,
		ErrProjectNotFound,
		ErrMissingContent,
		providers.ErrUnsupportedProvider,
		attachments.ErrTooManyAttachments,
		attachments.ErrInvalidAttachment,
		attachments.ErrUnsupportedAttachmentType,
		attachments.ErrAttachmentTooLarge,
		attachments.ErrInvalidAttachmentReference,
		attachments.ErrAttachmentsUnsupportedForProvider,
	} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return err.Error()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if c := s[0]; c >= 'a' && c <= 'z' {
		return string(c-'a'+'A') + s[1:]
	}
	return s
}
