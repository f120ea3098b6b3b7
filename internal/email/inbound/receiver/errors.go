package receiver

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates every way a pipeline run can fail. The set is
// closed: callers switch on the kind instead of subclassing.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindEmptyMessage
	KindScreenedEmail
	KindBouncedEmail
	KindUserNotFound
	KindAutoGeneratedEmail
	KindAutoGeneratedEmailReply
	KindInactiveUser
	KindBlockedUser
	KindNoBodyDetected
	KindBadDestinationAddress
	KindStrangersNotAllowed
	KindInsufficientTrustLevel
	KindReplyUserNotMatching
	KindTopicNotFound
	KindTopicClosed
	KindInvalidPost
	KindInvalidPostAction
)

var kindNames = map[ErrorKind]string{
	KindUnknown:                 "unknown",
	KindEmptyMessage:            "empty_message",
	KindScreenedEmail:           "screened_email",
	KindBouncedEmail:            "bounced_email",
	KindUserNotFound:            "user_not_found",
	KindAutoGeneratedEmail:      "auto_generated_email",
	KindAutoGeneratedEmailReply: "auto_generated_email_reply",
	KindInactiveUser:            "inactive_user",
	KindBlockedUser:             "blocked_user",
	KindNoBodyDetected:          "no_body_detected",
	KindBadDestinationAddress:   "bad_destination_address",
	KindStrangersNotAllowed:     "strangers_not_allowed",
	KindInsufficientTrustLevel:  "insufficient_trust_level",
	KindReplyUserNotMatching:    "reply_user_not_matching",
	KindTopicNotFound:           "topic_not_found",
	KindTopicClosed:             "topic_closed",
	KindInvalidPost:             "invalid_post",
	KindInvalidPostAction:       "invalid_post_action",
}

// String returns the stable snake_case name persisted on the record.
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ProcessingError is the single error type every pipeline failure maps to.
type ProcessingError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *ProcessingError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("receiver: %s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("receiver: %s", e.Kind)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Is lets errors.Is match two processing errors by kind.
func (e *ProcessingError) Is(target error) bool {
	var other *ProcessingError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newError(kind ErrorKind, format string, args ...any) *ProcessingError {
	return &ProcessingError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, err error, format string, args ...any) *ProcessingError {
	return &ProcessingError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the processing-error kind, or (KindUnknown, false)
// for errors that did not originate in the pipeline.
func KindOf(err error) (ErrorKind, bool) {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return KindUnknown, false
}
