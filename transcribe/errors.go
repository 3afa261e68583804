package transcribe

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrEmptyUpload       = fmt.Errorf("empty upload")
	ErrUploadTooBig      = fmt.Errorf("upload too big")
	ErrUnsupportedFormat = fmt.Errorf("unsupported audio format")
	ErrTooLong           = fmt.Errorf("audio too long")
)

// ExecutionError carries a message that is safe to show to whoever uploaded
// the file.
type ExecutionError struct {
	Message string
	Err     error
	// If true, the error was caused by the upload and isn't logged as a failure
	UserError bool
}

func (err ExecutionError) Error() string {
	if err.Err == nil {
		return err.Message
	}
	return err.Err.Error()
}

func (err ExecutionError) Unwrap() error {
	return err.Err
}

func userError(message string, err error) ExecutionError {
	return ExecutionError{Message: message, Err: err, UserError: true}
}

// UserMessage maps any error returned by Service.Transcribe to display text.
func UserMessage(err error) string {
	var execErr ExecutionError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout exceeded while transcribing audio."
	case errors.As(err, &execErr) && execErr.Message != "":
		return execErr.Message
	default:
		return "Unknown error occurred"
	}
}

func IsUserError(err error) bool {
	var execErr ExecutionError
	return errors.As(err, &execErr) && execErr.UserError
}
