// Package provider defines the uniform surface every IdP adapter presents to
// the reconciliation engine, translating Google/Entra/Okta's distinct wire
// formats into the same lazy sequence of typed records.
package provider

import (
	"context"
	"iter"
)

// UserRecord is one streamed user, pre-validation.
type UserRecord struct {
	IdPID             string
	Email             string
	Name              string
	GivenName         string
	FamilyName        string
	PreferredUsername string
}

// GroupRecord is one streamed group or (Google-only) org unit.
type GroupRecord struct {
	IdPID string
	Name  string
}

// MemberID is one USER-type member's idp_id within a group. Non-USER
// members (nested groups, external members) never reach this type — the
// adapter filters them while streaming.
type MemberID string

// Adapter is the capability set every provider variant implements. Google,
// Entra, and Okta share nothing beyond this surface.
type Adapter interface {
	// Issuer returns the URL-form issuer name used to scope identities.
	Issuer() string

	// AccessToken performs whatever token handshake the provider requires
	// and returns a bearer (or DPoP) token ready for use in StreamX calls.
	AccessToken(ctx context.Context) (string, error)

	// StreamUsers lazily yields every user in the directory.
	StreamUsers(ctx context.Context) iter.Seq2[UserRecord, error]

	// StreamGroups lazily yields every group in the directory.
	StreamGroups(ctx context.Context) iter.Seq2[GroupRecord, error]

	// StreamGroupMembers lazily yields the USER-type members of one group.
	StreamGroupMembers(ctx context.Context, groupIdPID string) iter.Seq2[MemberID, error]

	// StreamOrgUnits lazily yields org units. Returns an empty sequence for
	// non-Google providers.
	StreamOrgUnits(ctx context.Context) iter.Seq2[GroupRecord, error]

	// Verify probes a minimal request against each required scope.
	Verify(ctx context.Context) error
}
