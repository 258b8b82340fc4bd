package step

import (
	"errors"
	"fmt"

	"rowflow/internal/row"
)

// ConfigurationError reports invalid wiring or options found while building
// or initializing a pipeline. The pipeline never starts.
type ConfigurationError struct {
	Step string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("step %s: configuration: %v", e.Step, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ResourceError reports an I/O or storage failure owned by a step.
type ResourceError struct {
	Step string
	Op   string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("step %s: %s: %v", e.Step, e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// EmbeddedPipelineError reports errors raised inside a sub-pipeline run.
type EmbeddedPipelineError struct {
	Step   string
	Errors int64
	Cause  error
}

func (e *EmbeddedPipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("step %s: embedded pipeline reported %d error(s): %v", e.Step, e.Errors, e.Cause)
	}
	return fmt.Sprintf("step %s: embedded pipeline reported %d error(s)", e.Step, e.Errors)
}

func (e *EmbeddedPipelineError) Unwrap() error { return e.Cause }

// ErrTooManyErrors is returned once a step rejects more rows than its
// error handling allows.
var ErrTooManyErrors = errors.New("maximum number of rejected rows exceeded")

// Configf builds a ConfigurationError.
func Configf(step, format string, args ...any) error {
	return &ConfigurationError{Step: step, Err: fmt.Errorf(format, args...)}
}

// IsConversion reports whether err is a row conversion failure.
func IsConversion(err error) bool {
	var ce *row.ConversionError
	return errors.As(err, &ce)
}
