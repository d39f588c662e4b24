// Package classify maps sync-run failures into a client_error/transient
// verdict plus a human-readable message, and never touches the database
// itself. Callers feed it a Failure; the directory state machine consumes
// the resulting Verdict.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the taxonomy of failures a sync run can raise.
type Kind string

const (
	KindTransport               Kind = "transport_error"
	KindHTTPClient              Kind = "http_client_error"
	KindHTTPServer               Kind = "http_server_error"
	KindValidation              Kind = "validation_error"
	KindScope                   Kind = "scope_error"
	KindDeletionThresholdExceed Kind = "deletion_threshold_exceeded"
	KindDatabase                Kind = "database_error"
)

// Step identifies where in a run a failure occurred.
type Step string

const (
	StepGetAccessToken          Step = "get_access_token"
	StepStreamUsers              Step = "stream_users"
	StepStreamGroups             Step = "stream_groups"
	StepStreamGroupMembers       Step = "stream_group_members"
	StepStreamOrgUnits           Step = "stream_org_units"
	StepBatchUpsertIdentities    Step = "batch_upsert_identities"
	StepBatchUpsertGroups        Step = "batch_upsert_groups"
	StepBatchUpsertMemberships   Step = "batch_upsert_memberships"
	StepCheckDeletionThreshold   Step = "check_deletion_threshold"
	StepProcessUser              Step = "process_user"
	StepProcessGroup             Step = "process_group"
	StepFinalizeDirectory        Step = "finalize_directory"
	StepTombstone                Step = "tombstone"
)

// Verdict is client_error (fatal, disables the directory) or transient
// (retried by the next scheduler tick).
type Verdict string

const (
	VerdictClientError Verdict = "client_error"
	VerdictTransient   Verdict = "transient"
)

// Failure is the explicit result record carried out of a sync run, replacing
// raise-and-catch control flow with a plain value.
type Failure struct {
	Kind        Kind
	Step        Step
	DirectoryID string
	Cause       error

	// HTTPStatus is set for HTTPClientError/HTTPServerError.
	HTTPStatus int
	// ProviderCode is the IdP's own error code, when present (e.g. Okta's
	// E0000004), used to look up an actionable resolution.
	ProviderCode string

	// Deletion breaker fields, set only for KindDeletionThresholdExceed.
	Resource  string
	Total     int
	ToDelete  int
	Threshold float64
}

// Error satisfies the error interface so a Failure can be returned and
// propagated like any other error up to the run entry point, where it is
// handed to the classifier instead of being recovered locally.
func (f Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s at %s: %v", f.Kind, f.Step, f.Cause)
	}
	return fmt.Sprintf("%s at %s", f.Kind, f.Step)
}

func (f Failure) Unwrap() error {
	return f.Cause
}

// Classify maps a Failure to a Verdict per the fixed taxonomy.
func Classify(f Failure) Verdict {
	switch f.Kind {
	case KindValidation, KindScope, KindDeletionThresholdExceed, KindHTTPClient:
		return VerdictClientError
	case KindHTTPServer, KindTransport, KindDatabase:
		return VerdictTransient
	default:
		return VerdictTransient
	}
}

// FromHTTPStatus builds a Failure from an HTTP response status, splitting
// 4xx from 5xx per the taxonomy.
func FromHTTPStatus(step Step, directoryID string, status int, providerCode string, body []byte) Failure {
	kind := KindHTTPServer
	if status >= 400 && status < 500 {
		kind = KindHTTPClient
	}
	return Failure{
		Kind:         kind,
		Step:         step,
		DirectoryID:  directoryID,
		HTTPStatus:   status,
		ProviderCode: providerCode,
		Cause:        fmt.Errorf("http %d: %s", status, body),
	}
}

// FromTransportErr classifies a raw transport-level error (DNS, connection
// refused, timeout, TLS). Context cancellation/deadline counts as transient
// too, never a fatal outcome.
func FromTransportErr(step Step, directoryID string, err error) Failure {
	return Failure{Kind: KindTransport, Step: step, DirectoryID: directoryID, Cause: err}
}

// IsTimeoutLike reports whether err represents a context deadline, a
// cancellation, or a net.Error reporting Timeout() — all treated as
// transient regardless of where they originate.
func IsTimeoutLike(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// FromDBErr classifies a database failure. A constraint violation surfaced
// unchanged is a programmer error, not a sync-time concern, and callers
// should not pass it through Classify — it indicates a bug in the
// reconciliation SQL itself.
func FromDBErr(step Step, directoryID string, err error) Failure {
	return Failure{Kind: KindDatabase, Step: step, DirectoryID: directoryID, Cause: err}
}

// DeletionThresholdExceeded builds the circuit-breaker Failure.
func DeletionThresholdExceeded(directoryID, resource string, total, toDelete int, threshold float64) Failure {
	return Failure{
		Kind:        KindDeletionThresholdExceed,
		Step:        StepCheckDeletionThreshold,
		DirectoryID: directoryID,
		Resource:    resource,
		Total:       total,
		ToDelete:    toDelete,
		Threshold:   threshold,
		Cause:       fmt.Errorf("deletion threshold exceeded for %s: %d of %d rows (%.0f%%)", resource, toDelete, total, threshold*100),
	}
}

// ValidationFailure builds a missing-field Failure for a record rejected
// during provider adapter validation.
func ValidationFailure(step Step, directoryID, detail string) Failure {
	return Failure{Kind: KindValidation, Step: step, DirectoryID: directoryID, Cause: errors.New(detail)}
}

// ScopeFailure builds a Failure for a provider's explicit scope/authorization
// rejection.
func ScopeFailure(step Step, directoryID, detail string) Failure {
	return Failure{Kind: KindScope, Step: step, DirectoryID: directoryID, Cause: errors.New(detail)}
}
