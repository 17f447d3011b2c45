package alert

import (
	"github.com/google/uuid"

	"github.com/siva9177/codeblue/pkg/models"
)

// PolicyResolver picks the escalation chain for an alert. Precedence:
// facility+category policy, then category policy with no facility bound,
// then the default chain.
type PolicyResolver struct {
	policies []models.EscalationPolicy
	defaults []models.EscalationTier
}

// NewPolicyResolver creates a resolver over configured policies and the
// default tier chain
func NewPolicyResolver(policies []models.EscalationPolicy, defaults []models.EscalationTier) *PolicyResolver {
	return &PolicyResolver{
		policies: policies,
		defaults: defaults,
	}
}

// PolicyFor returns the escalation policy applied to alerts of the given
// facility and category. The returned policy always has at least one tier
// as long as the resolver was built from validated configuration.
func (r *PolicyResolver) PolicyFor(facilityID uuid.UUID, category models.AlertCategory) models.EscalationPolicy {
	var categoryMatch *models.EscalationPolicy
	for i := range r.policies {
		p := &r.policies[i]
		if p.Category != category {
			continue
		}
		if p.FacilityID != nil && *p.FacilityID == facilityID {
			return *p
		}
		if p.FacilityID == nil && categoryMatch == nil {
			categoryMatch = p
		}
	}
	if categoryMatch != nil {
		return *categoryMatch
	}
	return models.EscalationPolicy{
		Category: category,
		Tiers:    r.defaults,
	}
}
