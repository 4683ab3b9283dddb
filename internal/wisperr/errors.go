// Package wisperr defines the typed error kinds the core packages
// return, mirroring the teacher's internal/rpc error-code convention of
// a sentinel Code attached to a wrapped error rather than ad hoc
// string matching.
package wisperr

import (
	"errors"
	"fmt"
)

// ErrKind enumerates the error categories callers need to branch on.
type ErrKind string

const (
	KindSchemaProvision ErrKind = "schema_provision_error"
	KindLocalDB         ErrKind = "local_db_error"
	KindRemoteDB        ErrKind = "remote_db_error"
	KindRemoteAuth      ErrKind = "remote_auth_error"
	KindPlan            ErrKind = "plan_error"
	KindVersionStale    ErrKind = "version_stale"
	KindMutationFailed  ErrKind = "mutation_failed"
	KindQueueDrainAbort ErrKind = "queue_drain_aborted"
	KindRemoteTimeout   ErrKind = "remote_timeout"
)

// WispError is the concrete error type every package-level operation
// returns for a classified failure. Unclassified failures are wrapped
// with fmt.Errorf and %w as usual; WispError is reserved for the cases
// a caller is expected to switch on.
type WispError struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *WispError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *WispError) Unwrap() error { return e.Err }

// New constructs a WispError for op failing with kind, wrapping err.
func New(op string, kind ErrKind, err error) *WispError {
	return &WispError{Op: op, Kind: kind, Err: err}
}

// Is reports whether err is a WispError of the given kind, unwrapping
// as necessary.
func Is(err error, kind ErrKind) bool {
	var we *WispError
	if errors.As(err, &we) {
		return we.Kind == kind
	}
	return false
}
