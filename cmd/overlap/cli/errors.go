package cli

import "fmt"

// SilentError wraps an error whose message has already been printed by the
// command that produced it. main checks for it so the failure is not
// reported twice but the process still exits non-zero.
type SilentError struct {
	err error
}

// NewSilentError wraps err as a SilentError.
func NewSilentError(err error) *SilentError {
	return &SilentError{err: err}
}

func (e *SilentError) Error() string {
	return e.err.Error()
}

func (e *SilentError) Unwrap() error {
	return e.err
}

// ExitError requests a specific process exit code. The command has already
// written its report; main only maps the code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}
