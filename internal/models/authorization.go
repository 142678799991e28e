package models

import "time"

// AuthorityType classifies the legal instrument backing an authorization.
type AuthorityType string

const (
	AuthorityWarrant    AuthorityType = "warrant"
	AuthorityCourtOrder AuthorityType = "court-order"
	AuthorityStatutory  AuthorityType = "statutory-power"
)

// ScopeWildcard in ScopeAccounts permits any account on an in-scope platform.
const ScopeWildcard = "*"

// LegalAuthorization is an immutable scope record issued by a legal authority.
// Expiry is enforced at evaluation time, never at registration time.
type LegalAuthorization struct {
	ID                 string        `json:"id"`
	AuthorityType      AuthorityType `json:"authority_type"`
	ScopePlatforms     []string      `json:"scope_platforms"`
	ScopeAccounts      []string      `json:"scope_accounts"` // may contain the "*" wildcard
	ValidFrom          time.Time     `json:"valid_from"`
	ValidUntil         time.Time     `json:"valid_until"`
	IssuingAuthority   string        `json:"issuing_authority"`
	IssuingSignature   []byte        `json:"issuing_signature"` // over the canonical scope bytes
	CaseNumber         string        `json:"case_number,omitempty"`
	RequestingAgencyID string        `json:"requesting_agency_id,omitempty"`
}

// ActiveAt reports whether the authorization window covers ts.
func (a LegalAuthorization) ActiveAt(ts time.Time) bool {
	return !ts.Before(a.ValidFrom) && !ts.After(a.ValidUntil)
}

// CoversPlatform reports whether platform is inside the authorized scope.
func (a LegalAuthorization) CoversPlatform(platform string) bool {
	for _, p := range a.ScopePlatforms {
		if p == platform {
			return true
		}
	}
	return false
}

// CoversAccount reports whether account is inside the authorized scope,
// honoring the wildcard.
func (a LegalAuthorization) CoversAccount(account string) bool {
	for _, acct := range a.ScopeAccounts {
		if acct == ScopeWildcard || acct == account {
			return true
		}
	}
	return false
}
