package domain

import "strings"

// PlanTier is the closed set of subscription tiers.
type PlanTier string

const (
	PlanFree     PlanTier = "free"
	PlanPro      PlanTier = "pro"
	PlanBusiness PlanTier = "business"
)

// FallbackPlan is used whenever an account's tier is missing or unknown.
// It is the most restrictive tier.
const FallbackPlan = PlanFree

// ParsePlanTier maps a stored plan string to a tier. Anything unrecognized
// becomes FallbackPlan, never an unlimited tier.
func ParsePlanTier(s string) PlanTier {
	switch PlanTier(strings.ToLower(strings.TrimSpace(s))) {
	case PlanPro:
		return PlanPro
	case PlanBusiness:
		return PlanBusiness
	case PlanFree:
		return PlanFree
	default:
		return FallbackPlan
	}
}

// Resource is a quota-limited resource kind.
type Resource string

const (
	ResourceVisitors  Resource = "visitors"
	ResourceCampaigns Resource = "campaigns"
	ResourceWebsites  Resource = "websites"
)

// PlanLimits holds the per-plan ceilings. Visitors and campaigns are counted
// per website, websites per account.
type PlanLimits struct {
	Visitors  int `json:"visitors" yaml:"visitors"`
	Campaigns int `json:"campaigns" yaml:"campaigns"`
	Websites  int `json:"websites" yaml:"websites"`
}

// For returns the limit for one resource.
func (l PlanLimits) For(r Resource) int {
	switch r {
	case ResourceVisitors:
		return l.Visitors
	case ResourceCampaigns:
		return l.Campaigns
	case ResourceWebsites:
		return l.Websites
	default:
		return 0
	}
}

// LimitsFor returns the ceilings for a tier.
func LimitsFor(p PlanTier) PlanLimits {
	switch p {
	case PlanPro:
		return PlanLimits{Visitors: 25000, Campaigns: 10, Websites: 5}
	case PlanBusiness:
		return PlanLimits{Visitors: 250000, Campaigns: 100, Websites: 25}
	default:
		return PlanLimits{Visitors: 1000, Campaigns: 1, Websites: 1}
	}
}
