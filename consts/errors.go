package consts

import "errors"

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrEventNotFound    = errors.New("event not found")
	ErrInboxNotFound    = errors.New("itip message not found")
	ErrInternalError    = errors.New("internal error")
	ErrNotPermitted     = errors.New("operation not permitted")
	ErrMalformedMessage = errors.New("malformed message")
	ErrNoCalendarPart   = errors.New("message has no calendar part")
	ErrUnknownMethod    = errors.New("unknown itip method")
	ErrActionNotAllowed = errors.New("action not allowed for this analysis")
	ErrDuplicateMessage = errors.New("message already processed")
	ErrSpamRejected     = errors.New("message classified as spam")

	ErrDBNotFound        = errors.New("not found")
	ErrDBUniqueViolation = errors.New("unique violation")

	ErrS3UploadFailed = errors.New("s3 upload failed")
)
