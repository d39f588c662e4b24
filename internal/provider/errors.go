package provider

import "fmt"

// MissingFieldError reports a streamed record that lacks a field the
// reconciliation engine requires.
type MissingFieldError struct {
	Record string // "user" or "group"
	IdPID  string
	Field  string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s %q missing required field %q", e.Record, e.IdPID, e.Field)
}

// ScopeError reports a provider's explicit scope/authorization rejection,
// surfaced from Verify. Stream calls report a rejected page as a plain
// error instead.
type ScopeError struct {
	Provider string
	Detail   string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("%s: missing scope or permission: %s", e.Provider, e.Detail)
}
