// Package compliance validates that investigative actions stay inside the
// scope and validity window of a registered legal authorization before any
// evidentiary write that exposes personal data is permitted.
package compliance

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/viraltrace/viraltrace/internal/models"
)

var (
	// ErrUnknownAuthorization is returned for lookups of ids never registered.
	ErrUnknownAuthorization = errors.New("compliance: unknown authorization")

	// ErrDuplicateAuthorization is returned on re-registration: authorization
	// records are immutable once registered.
	ErrDuplicateAuthorization = errors.New("compliance: authorization already registered")

	// ErrBadIssuerSignature is returned when the issuing authority's
	// signature fails verification at registration time.
	ErrBadIssuerSignature = errors.New("compliance: issuing authority signature invalid")
)

// ScopeBytes is the canonical byte serialization of an authorization's scope,
// the input to the issuing authority's signature.
func ScopeBytes(a models.LegalAuthorization) []byte {
	var b strings.Builder
	b.WriteString(a.ID)
	b.WriteString("|")
	b.WriteString(string(a.AuthorityType))
	b.WriteString("|")
	b.WriteString(strings.Join(a.ScopePlatforms, ","))
	b.WriteString("|")
	b.WriteString(strings.Join(a.ScopeAccounts, ","))
	b.WriteString("|")
	b.WriteString(strconv.FormatInt(a.ValidFrom.UTC().UnixMilli(), 10))
	b.WriteString("|")
	b.WriteString(strconv.FormatInt(a.ValidUntil.UTC().UnixMilli(), 10))
	return []byte(b.String())
}

// Registry holds registered legal authorizations. Records are immutable; the
// validity window is enforced at evaluation time by the gate, never here, so
// an authorization can be registered before it becomes active.
type Registry struct {
	authorityKey ed25519.PublicKey // optional issuing-authority key

	mu    sync.RWMutex
	auths map[string]models.LegalAuthorization
}

// NewRegistry creates a Registry. When authorityKey is non-nil every
// registration must carry a valid issuing signature over the scope bytes.
func NewRegistry(authorityKey ed25519.PublicKey) *Registry {
	return &Registry{
		authorityKey: authorityKey,
		auths:        make(map[string]models.LegalAuthorization),
	}
}

// Register stores an authorization after validating it.
func (r *Registry) Register(a models.LegalAuthorization) error {
	switch {
	case a.ID == "":
		return errors.New("compliance: authorization missing id")
	case len(a.ScopePlatforms) == 0:
		return fmt.Errorf("compliance: authorization %s has no platform scope", a.ID)
	case a.ValidUntil.Before(a.ValidFrom):
		return fmt.Errorf("compliance: authorization %s has inverted validity window", a.ID)
	}
	switch a.AuthorityType {
	case models.AuthorityWarrant, models.AuthorityCourtOrder, models.AuthorityStatutory:
	default:
		return fmt.Errorf("compliance: authorization %s has unknown authority type %q", a.ID, a.AuthorityType)
	}

	if r.authorityKey != nil {
		if !ed25519.Verify(r.authorityKey, ScopeBytes(a), a.IssuingSignature) {
			return fmt.Errorf("%w: %s", ErrBadIssuerSignature, a.ID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.auths[a.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAuthorization, a.ID)
	}
	r.auths[a.ID] = a

	log.Info().Str("authorization", a.ID).
		Str("authority", string(a.AuthorityType)).
		Strs("platforms", a.ScopePlatforms).
		Msg("legal authorization registered")
	return nil
}

// Get returns a registered authorization.
func (r *Registry) Get(id string) (models.LegalAuthorization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.auths[id]
	if !ok {
		return models.LegalAuthorization{}, fmt.Errorf("%w: %s", ErrUnknownAuthorization, id)
	}
	return a, nil
}
