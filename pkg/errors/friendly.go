package errors

import (
	"fmt"
)

// FriendlyError is an error whose message is meant to be shown directly to
// the operator, without the "ERROR" framing used for unexpected failures.
type FriendlyError interface {
	FriendlyMessage() string
}

type friendlyError struct {
	msg string
}

func (err friendlyError) Error() string {
	return err.msg
}

func (err friendlyError) FriendlyMessage() string {
	return err.msg
}

// NewFriendlyError creates an error that is printed to the operator verbatim.
func NewFriendlyError(format string, args ...interface{}) error {
	return friendlyError{fmt.Sprintf(format, args...)}
}

// GetPrintableMessage returns the message that should be shown to the
// operator for the given error.
func GetPrintableMessage(err error) string {
	if friendly, ok := err.(FriendlyError); ok {
		return friendly.FriendlyMessage()
	}
	if friendly, ok := RootCause(err).(FriendlyError); ok {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}
