package chatsync

import (
	"errors"
	"fmt"
)

// Precondition errors. Nothing has been mutated when one of these is returned.
var (
	ErrMissingCredential  = errors.New("chatsync: no session credential")
	ErrCredentialExpired  = errors.New("chatsync: session credential expired")
	ErrNoSender           = errors.New("chatsync: no sender identity")
	ErrNoConversation     = errors.New("chatsync: no conversation selected")
	ErrUnknownKind        = errors.New("chatsync: unknown conversation kind")
	ErrSendInProgress     = errors.New("chatsync: send already in progress")
	ErrRequestAttachments = errors.New("chatsync: message requests cannot carry attachments")
	ErrEmptyMessage       = errors.New("chatsync: message has no content or attachments")
)

// Transport and upload errors. Local state has been rolled back.
var (
	ErrChannelNotOpen = errors.New("chatsync: channel not open")
	ErrUpload         = errors.New("chatsync: attachment upload failed")
)

// ErrSuperseded reports a backend response that arrived after its cache entry
// was invalidated; the response was discarded.
var ErrSuperseded = errors.New("chatsync: response superseded")

// APIError is a non-2xx response from the REST backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("chatsync: HTTP %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("chatsync: HTTP %d: %s", e.Status, e.Message)
}

func errorsIsAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
