// Package model defines the directory-sync domain entities shared by every
// other package: accounts, directories, actors, external identities, groups,
// and memberships.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Provider identifies the external identity provider a Directory binds to.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderEntra  Provider = "entra"
	ProviderOkta   Provider = "okta"
)

// ActorType classifies a local actor.
type ActorType string

const (
	ActorTypeUser    ActorType = "user"
	ActorTypeAdmin   ActorType = "admin"
	ActorTypeService ActorType = "service"
)

// GroupEntityType distinguishes a plain group from a Google org unit.
type GroupEntityType string

const (
	GroupEntityGroup   GroupEntityType = "group"
	GroupEntityOrgUnit GroupEntityType = "org_unit"
)

// GroupKind distinguishes static membership groups from dynamic (rule-based)
// groups. Directory sync never computes membership for dynamic groups itself;
// it mirrors whatever the IdP reports.
type GroupKind string

const (
	GroupKindStatic  GroupKind = "static"
	GroupKindDynamic GroupKind = "dynamic"
)

// Account is the tenant boundary. Directory sync only runs for an account
// when it is not disabled and has the idp_sync feature flag set.
type Account struct {
	ID         uuid.UUID
	DisabledAt *time.Time
	Features   map[string]bool
}

// SyncEligible reports whether this account may run any directory sync.
func (a Account) SyncEligible() bool {
	return a.DisabledAt == nil && a.Features["idp_sync"]
}

// GoogleConfig holds per-directory Google Workspace credentials.
type GoogleConfig struct {
	ServiceAccountEmail string
	ServiceAccountKey   []byte // PEM-encoded RSA private key
	ImpersonationEmail  string
	PrimaryDomain       string
	TokenEndpoint       string // defaults to https://oauth2.googleapis.com/token
}

// EntraConfig holds per-directory Microsoft Entra ID credentials.
type EntraConfig struct {
	TenantID      string
	ClientID      string
	ClientSecret  string
	SyncAllGroups bool
}

// OktaConfig holds per-directory Okta credentials, including the private JWK
// used for client-assertion + DPoP signing.
type OktaConfig struct {
	Domain        string
	ClientID      string
	PrivateJWKPEM []byte // PEM-encoded RSA private key backing the JWK
	KeyID         string
}

// Directory is a per-account binding to one IdP tenant.
type Directory struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Provider  Provider

	Google *GoogleConfig
	Entra  *EntraConfig
	Okta   *OktaConfig

	SyncedAt       *time.Time
	ErroredAt      *time.Time
	ErrorMessage   string
	IsDisabled     bool
	DisabledReason string
	IsVerified     bool

	ErrorEmailCount int
}

// Issuer returns the URL-form issuer name for this directory's IdP tenant.
func (d Directory) Issuer() string {
	switch d.Provider {
	case ProviderGoogle:
		return "https://accounts.google.com"
	case ProviderEntra:
		if d.Entra == nil {
			return ""
		}
		return fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", d.Entra.TenantID)
	case ProviderOkta:
		if d.Okta == nil {
			return ""
		}
		return fmt.Sprintf("https://%s", d.Okta.Domain)
	default:
		return ""
	}
}

// Eligible reports whether this directory should be scheduled, given its
// owning account. The scheduler and the worker must both apply this check
// (the worker re-checks because the scheduler's view can be stale).
func (d Directory) Eligible(acct Account) bool {
	return !d.IsDisabled && acct.SyncEligible()
}

// Actor is a person or service principal local to the account.
type Actor struct {
	ID                    uuid.UUID
	AccountID             uuid.UUID
	Type                  ActorType
	Name                  string
	Email                 *string
	DisabledAt            *time.Time
	CreatedByDirectoryID  *uuid.UUID
	InsertedAt            time.Time
}

// Identity is a verified claim that an IdP's idp_id belongs to an actor.
type Identity struct {
	ID                 uuid.UUID
	AccountID          uuid.UUID
	ActorID            uuid.UUID
	Issuer             string
	DirectoryID        *uuid.UUID
	IdPID              string
	Email              string
	Name               string
	GivenName          string
	FamilyName         string
	PreferredUsername  string
	LastSyncedAt       *time.Time
}

// Group is a grouping local to the account, mirrored from an IdP group or
// (Google-only) org unit.
type Group struct {
	ID           uuid.UUID
	AccountID    uuid.UUID
	DirectoryID  *uuid.UUID
	IdPID        *string
	EntityType   GroupEntityType
	Name         string
	Kind         GroupKind
	LastSyncedAt *time.Time
}

// Membership is an (actor, group) pairing.
type Membership struct {
	ActorID      uuid.UUID
	GroupID      uuid.UUID
	AccountID    uuid.UUID
	LastSyncedAt *time.Time
}
