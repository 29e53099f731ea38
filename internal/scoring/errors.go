package scoring

import (
	"errors"
	"fmt"
)

// Kind classifies personalization failures for callers and notifications.
type Kind string

const (
	KindInvalidPersona     Kind = "InvalidPersona"
	KindEmptyBatch         Kind = "EmptyBatch"
	KindSubmissionFailed   Kind = "SubmissionFailed"
	KindPollTransportError Kind = "PollTransportError"
	KindJobExpired         Kind = "JobExpired"
	KindJobFailed          Kind = "JobFailed"
)

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrInvalidPersona   = errors.New("invalid persona")
	ErrEmptyBatch       = errors.New("empty article batch")
	ErrSubmissionFailed = errors.New("job submission failed")
	ErrPollTransport    = errors.New("job status poll failed")
	ErrJobExpired       = errors.New("scoring job expired")
	ErrJobFailed        = errors.New("scoring job failed")
)

var sentinels = map[Kind]error{
	KindInvalidPersona:     ErrInvalidPersona,
	KindEmptyBatch:         ErrEmptyBatch,
	KindSubmissionFailed:   ErrSubmissionFailed,
	KindPollTransportError: ErrPollTransport,
	KindJobExpired:         ErrJobExpired,
	KindJobFailed:          ErrJobFailed,
}

// Error is a classified personalization failure.
type Error struct {
	Kind    Kind
	TaskID  string
	Message string
	Cause   error
}

// NewError builds a classified error.
func NewError(kind Kind, taskID, message string, cause error) *Error {
	return &Error{Kind: kind, TaskID: taskID, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.TaskID != "" {
		msg = fmt.Sprintf("%s (task %s)", msg, e.TaskID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrJobExpired) match by kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// KindOf extracts the kind of a classified error, or "" when err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
