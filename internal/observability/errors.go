package observability

import (
	"errors"
	"fmt"
	"strings"
)

// Err records err under the "error" key. A nil err gives a field that is dropped.
func Err(err error) Field {
	if err == nil {
		return Field{}
	}
	return Field{Key: "error", Value: err}
}

// AggregateErrors collects the failures of a multi-step operation such as
// shutdown. It logs them as a single record and returns them joined, or nil
// when every step succeeded.
func AggregateErrors(operation string, errList []error, fields ...Field) error {
	var failed []error
	for _, err := range errList {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	cause := failed[0]
	if len(failed) > 1 {
		cause = errors.Join(failed...)
	}
	record := append(fields[:len(fields):len(fields)],
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(failed)},
		Field{Key: "error", Value: strings.ReplaceAll(cause.Error(), "\n", "; ")},
	)
	Log().Error(operation+" failed", record...)
	return fmt.Errorf("%s failed: %w", operation, cause)
}
