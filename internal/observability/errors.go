package observability

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// AggregateErrors joins the non-nil errors, logs them once and returns the aggregate.
func AggregateErrors(logger *zap.Logger, operation string, errs []error) error {
	filtered := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	if logger != nil {
		logger.Error("operation errors",
			zap.String("operation", operation),
			zap.Int("error_count", len(filtered)),
			zap.Errors("errors", filtered))
	}
	return fmt.Errorf("%s failed: %w", operation, errors.Join(filtered...))
}
