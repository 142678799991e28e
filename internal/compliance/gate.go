package compliance

import (
	"fmt"
	"strings"
	"time"

	"github.com/viraltrace/viraltrace/internal/models"
)

// Policy is the authority-type action matrix. It is loaded from configuration
// so deployments can tighten it without a rebuild.
type Policy struct {
	// Allowed maps an authority type to the actions it may perform.
	Allowed map[models.AuthorityType][]models.Action `yaml:"allowed" json:"allowed"`

	// PIIExport marks authority types permitted to export records that
	// expose personally identifiable information.
	PIIExport map[models.AuthorityType]bool `yaml:"pii_export" json:"pii_export"`
}

// DefaultPolicy returns the baseline matrix: warrants and court orders carry
// full powers, statutory powers may not transfer or export evidence.
func DefaultPolicy() Policy {
	full := []models.Action{
		models.ActionCollect, models.ActionAnalyze, models.ActionTransfer,
		models.ActionExport, models.ActionAccess,
	}
	return Policy{
		Allowed: map[models.AuthorityType][]models.Action{
			models.AuthorityWarrant:    full,
			models.AuthorityCourtOrder: full,
			models.AuthorityStatutory: {
				models.ActionCollect, models.ActionAnalyze, models.ActionAccess,
			},
		},
		PIIExport: map[models.AuthorityType]bool{
			models.AuthorityWarrant:    true,
			models.AuthorityCourtOrder: true,
			models.AuthorityStatutory:  false,
		},
	}
}

func (p Policy) permits(at models.AuthorityType, action models.Action) bool {
	for _, a := range p.Allowed[at] {
		if a == action {
			return true
		}
	}
	return false
}

// Gate evaluates action requests against registered authorizations. It
// implements the authorizer contract of the evidence ledger.
type Gate struct {
	registry *Registry
	policy   Policy
	now      func() time.Time
}

// NewGate creates a Gate over the registry with the given policy matrix.
func NewGate(registry *Registry, policy Policy) *Gate {
	return &Gate{registry: registry, policy: policy, now: time.Now}
}

// WithClock overrides the gate's clock. Test hook.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Authorize resolves the request's authorization id and evaluates the request
// against it. A missing or unknown authorization is a denial, not an error.
func (g *Gate) Authorize(req models.ActionRequest) (bool, string) {
	if req.AuthorizationID == "" {
		return false, "no authorization referenced"
	}
	auth, err := g.registry.Get(req.AuthorizationID)
	if err != nil {
		return false, fmt.Sprintf("authorization %s not registered", req.AuthorizationID)
	}
	return g.Evaluate(req, auth)
}

// Evaluate applies the scope checks in order and returns the first failure.
// The order is deliberate: an expired warrant is reported as expired even when
// the platform is also out of scope.
func (g *Gate) Evaluate(req models.ActionRequest, auth models.LegalAuthorization) (bool, string) {
	now := g.now()
	if !auth.ActiveAt(now) {
		if now.After(auth.ValidUntil) {
			return false, fmt.Sprintf("authorization %s expired %s", auth.ID, auth.ValidUntil.UTC().Format(time.RFC3339))
		}
		return false, fmt.Sprintf("authorization %s not yet valid", auth.ID)
	}
	if req.Platform != "" {
		if !auth.CoversPlatform(req.Platform) {
			return false, fmt.Sprintf("platform %q outside scope of %s", req.Platform, auth.ID)
		}
		if !auth.CoversAccount(req.AccountID) {
			return false, fmt.Sprintf("account %q outside scope of %s", req.AccountID, auth.ID)
		}
	} else {
		// Actions without a platform target, such as whole-ledger exports,
		// are scoped by the platforms of the subjects they touch.
		for _, ref := range req.SubjectRefs {
			if platform, _, ok := strings.Cut(ref, ":"); ok && !auth.CoversPlatform(platform) {
				return false, fmt.Sprintf("platform %q outside scope of %s", platform, auth.ID)
			}
		}
	}
	if !g.policy.permits(auth.AuthorityType, req.Action) {
		return false, fmt.Sprintf("action %s not permitted for %s", req.Action, auth.AuthorityType)
	}
	if req.ExposesPII && req.Action == models.ActionExport && !g.policy.PIIExport[auth.AuthorityType] {
		return false, fmt.Sprintf("pii export not permitted for %s", auth.AuthorityType)
	}
	return true, ""
}
