package compliance

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viraltrace/viraltrace/internal/models"
)

var gateNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testAuth() models.LegalAuthorization {
	return models.LegalAuthorization{
		ID:             "warrant-77",
		AuthorityType:  models.AuthorityWarrant,
		ScopePlatforms: []string{"twitter"},
		ScopeAccounts:  []string{"acct-1", "acct-2"},
		ValidFrom:      gateNow.Add(-24 * time.Hour),
		ValidUntil:     gateNow.Add(24 * time.Hour),
	}
}

func testRequest() models.ActionRequest {
	return models.ActionRequest{
		ActorID:         "analyst-9",
		Action:          models.ActionCollect,
		Platform:        "twitter",
		AccountID:       "acct-1",
		AuthorizationID: "warrant-77",
		SubjectRefs:     []string{"twitter:1001"},
	}
}

func newTestGate(t *testing.T, auths ...models.LegalAuthorization) *Gate {
	t.Helper()
	reg := NewRegistry(nil)
	for _, a := range auths {
		require.NoError(t, reg.Register(a))
	}
	return NewGate(reg, DefaultPolicy()).WithClock(func() time.Time { return gateNow })
}

func TestGateAllowsInScopeRequest(t *testing.T) {
	g := newTestGate(t, testAuth())

	allow, reason := g.Authorize(testRequest())
	assert.True(t, allow)
	assert.Empty(t, reason)
}

func TestGateDeniesInOrder(t *testing.T) {
	expired := testAuth()
	expired.ID = "warrant-old"
	expired.ValidUntil = gateNow.Add(-time.Hour)

	g := newTestGate(t, testAuth(), expired)

	tests := []struct {
		name   string
		mutate func(*models.ActionRequest)
		reason string
	}{
		{
			name:   "expired wins over scope",
			mutate: func(r *models.ActionRequest) { r.AuthorizationID = "warrant-old"; r.Platform = "reddit" },
			reason: "expired",
		},
		{
			name:   "platform outside scope",
			mutate: func(r *models.ActionRequest) { r.Platform = "reddit" },
			reason: `platform "reddit" outside scope`,
		},
		{
			name:   "account outside scope",
			mutate: func(r *models.ActionRequest) { r.AccountID = "acct-99" },
			reason: `account "acct-99" outside scope`,
		},
		{
			name:   "missing authorization",
			mutate: func(r *models.ActionRequest) { r.AuthorizationID = "" },
			reason: "no authorization referenced",
		},
		{
			name:   "unknown authorization",
			mutate: func(r *models.ActionRequest) { r.AuthorizationID = "warrant-404" },
			reason: "not registered",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest()
			tt.mutate(&req)
			allow, reason := g.Authorize(req)
			assert.False(t, allow)
			assert.Contains(t, reason, tt.reason)
		})
	}
}

func TestGateNotYetValid(t *testing.T) {
	future := testAuth()
	future.ID = "warrant-future"
	future.ValidFrom = gateNow.Add(time.Hour)
	future.ValidUntil = gateNow.Add(48 * time.Hour)

	g := newTestGate(t, future)
	req := testRequest()
	req.AuthorizationID = "warrant-future"

	allow, reason := g.Authorize(req)
	assert.False(t, allow)
	assert.Contains(t, reason, "not yet valid")
}

func TestGateWildcardAccountScope(t *testing.T) {
	wild := testAuth()
	wild.ID = "order-12"
	wild.AuthorityType = models.AuthorityCourtOrder
	wild.ScopeAccounts = []string{models.ScopeWildcard}

	g := newTestGate(t, wild)
	req := testRequest()
	req.AuthorizationID = "order-12"
	req.AccountID = "anyone-at-all"

	allow, _ := g.Authorize(req)
	assert.True(t, allow)
}

func TestGatePolicyMatrix(t *testing.T) {
	statutory := testAuth()
	statutory.ID = "stat-3"
	statutory.AuthorityType = models.AuthorityStatutory

	g := newTestGate(t, testAuth(), statutory)

	req := testRequest()
	req.AuthorizationID = "stat-3"
	req.Action = models.ActionExport

	allow, reason := g.Authorize(req)
	assert.False(t, allow)
	assert.Contains(t, reason, "not permitted for statutory-power")

	// The same export is fine under a warrant.
	req.AuthorizationID = "warrant-77"
	allow, _ = g.Authorize(req)
	assert.True(t, allow)

	// Statutory powers keep their read-side actions.
	req.AuthorizationID = "stat-3"
	req.Action = models.ActionAnalyze
	allow, _ = g.Authorize(req)
	assert.True(t, allow)
}

func TestGatePIIExportRestriction(t *testing.T) {
	policy := DefaultPolicy()
	policy.Allowed[models.AuthorityStatutory] = append(
		policy.Allowed[models.AuthorityStatutory], models.ActionExport)

	statutory := testAuth()
	statutory.ID = "stat-3"
	statutory.AuthorityType = models.AuthorityStatutory

	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(testAuth()))
	require.NoError(t, reg.Register(statutory))
	g := NewGate(reg, policy).WithClock(func() time.Time { return gateNow })

	req := testRequest()
	req.AuthorizationID = "stat-3"
	req.Action = models.ActionExport
	req.ExposesPII = true

	allow, reason := g.Authorize(req)
	assert.False(t, allow)
	assert.Contains(t, reason, "pii export")

	req.ExposesPII = false
	allow, _ = g.Authorize(req)
	assert.True(t, allow)
}

func TestGateScopesUntargetedActionsBySubjects(t *testing.T) {
	g := newTestGate(t, testAuth())

	req := models.ActionRequest{
		ActorID:         "analyst-9",
		Action:          models.ActionExport,
		AuthorizationID: "warrant-77",
		SubjectRefs:     []string{"twitter:1001", "twitter:1002"},
	}
	allow, _ := g.Authorize(req)
	assert.True(t, allow)

	req.SubjectRefs = append(req.SubjectRefs, "reddit:900")
	allow, reason := g.Authorize(req)
	assert.False(t, allow)
	assert.Contains(t, reason, `platform "reddit" outside scope`)
}

func TestRegistryValidation(t *testing.T) {
	reg := NewRegistry(nil)

	tests := []struct {
		name   string
		mutate func(*models.LegalAuthorization)
	}{
		{"missing id", func(a *models.LegalAuthorization) { a.ID = "" }},
		{"no platform scope", func(a *models.LegalAuthorization) { a.ScopePlatforms = nil }},
		{"inverted window", func(a *models.LegalAuthorization) { a.ValidUntil = a.ValidFrom.Add(-time.Hour) }},
		{"unknown authority type", func(a *models.LegalAuthorization) { a.AuthorityType = "subpoena" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := testAuth()
			tt.mutate(&a)
			assert.Error(t, reg.Register(a))
		})
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(testAuth()))

	again := testAuth()
	again.ScopeAccounts = []string{models.ScopeWildcard} // attempted scope widening
	err := reg.Register(again)
	require.ErrorIs(t, err, ErrDuplicateAuthorization)

	got, err := reg.Get("warrant-77")
	require.NoError(t, err)
	assert.Equal(t, []string{"acct-1", "acct-2"}, got.ScopeAccounts)
}

func TestRegistryIssuerSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	reg := NewRegistry(pub)

	a := testAuth()
	a.IssuingSignature = ed25519.Sign(priv, ScopeBytes(a))
	require.NoError(t, reg.Register(a))

	forged := testAuth()
	forged.ID = "warrant-78"
	forged.IssuingSignature = ed25519.Sign(priv, ScopeBytes(a)) // wrong scope bytes
	err = reg.Register(forged)
	require.ErrorIs(t, err, ErrBadIssuerSignature)
}
