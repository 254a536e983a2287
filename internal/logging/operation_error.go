package logging

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gozale/safran-api/internal/apperr"
)

// OperationError records which pipeline step failed, for which request, and
// the apperr kind the caller will see.
type OperationError struct {
	Operation string
	RequestID string
	Kind      apperr.Kind
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s [%s] (request_id=%s): %v", e.Operation, e.Kind, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Operation, e.Kind, e.Err)
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err; a nil err stays nil. The kind is resolved
// once from the apperr chain.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Kind: apperr.KindOf(err), Err: err}
}

// ErrorFields turns err into log fields. The failed operation and kind are
// lifted out of the outermost OperationError so they can be queried directly.
// The request id is left to WithOperation.
func ErrorFields(err error) []zap.Field {
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		return []zap.Field{zap.Error(err), zap.String("kind", string(apperr.KindOf(err)))}
	}
	return []zap.Field{
		zap.Error(opErr.Err),
		zap.String("failed_operation", opErr.Operation),
		zap.String("kind", string(opErr.Kind)),
	}
}
