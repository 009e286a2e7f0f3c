package generator

import "fmt"

// ValidationError is returned for malformed requests. Nothing is written
// and no model is invoked.
type ValidationError struct {
	Msg string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return e.Msg
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// FilesystemError is returned when the output directory or a mesh file
// cannot be written.
type FilesystemError struct {
	Path string
	Err  error
}

// Error implements error.
func (e *FilesystemError) Error() string {
	return fmt.Sprintf("write %q: %s", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// ModelExecutionError is returned when sampling or decoding fails.
type ModelExecutionError struct {
	Stage string
	Err   error
}

// Error implements error.
func (e *ModelExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *ModelExecutionError) Unwrap() error {
	return e.Err
}
