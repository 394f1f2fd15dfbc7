package models

import (
	"errors"
	"fmt"
)

// ErrConfigurationMissing signals that no budget or threshold configuration
// exists for a scope. Callers fall back to documented defaults; this is not
// an error surfaced to the ingestion path.
var ErrConfigurationMissing = errors.New("configuration missing")

// TransientStoreError wraps a counter/configuration store failure that was
// retried once and then degraded to the conservative default.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// ValidationError rejects a single malformed scope or metric name.
// Processing of the remaining sample metrics continues.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AlertDispatchError records a best-effort alert delivery failure after the
// fallback channel attempt. Logged and dropped, never retried indefinitely.
type AlertDispatchError struct {
	Channel string
	Err     error
}

func (e *AlertDispatchError) Error() string {
	return fmt.Sprintf("alert dispatch via %s failed: %v", e.Channel, e.Err)
}

func (e *AlertDispatchError) Unwrap() error { return e.Err }
