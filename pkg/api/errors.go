package api

import (
	"strings"
	"sync/atomic"

	"github.com/marmos91/dittobackup/internal/logger"
)

// nulErrorMessage replaces messages that cannot cross a C string boundary.
const nulErrorMessage = "failed to convert error message containing 0 bytes"

// ErrorMessage is an error description owned by the caller once returned.
// It must be released exactly once with FreeError.
type ErrorMessage struct {
	text  string
	freed atomic.Bool
}

// String returns the message text.
func (e *ErrorMessage) String() string {
	if e == nil {
		return ""
	}
	return e.text
}

// Error implements error so a message can be wrapped or compared.
func (e *ErrorMessage) Error() string {
	return e.String()
}

// FreeError releases a message returned by any Library method. nil is
// ignored.
func FreeError(e *ErrorMessage) {
	if e == nil {
		return
	}
	if e.freed.Swap(true) {
		logger.Warn("error message freed twice: %q", e.text)
		return
	}
	e.text = ""
}

func newErrorMessage(err error) *ErrorMessage {
	text := err.Error()
	if strings.IndexByte(text, 0) >= 0 {
		logger.Error("got error containing 0 bytes: %q", text)
		text = nulErrorMessage
	}
	return &ErrorMessage{text: text}
}

// raise stores err in errOut if the caller asked for it.
func raise(errOut **ErrorMessage, err error) {
	if errOut != nil && err != nil {
		*errOut = newErrorMessage(err)
	}
}
