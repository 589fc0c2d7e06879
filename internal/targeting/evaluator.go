package targeting

import (
	"sort"

	"github.com/ignite/intent-engine/internal/domain"
	"github.com/ignite/intent-engine/internal/pkg/logger"
)

// Candidate is a campaign whose rules all hold for the visitor.
type Candidate struct {
	Campaign  domain.Campaign
	RuleCount int
}

// Evaluator selects at most one campaign per decision. It never writes
// campaign state and is safe for concurrent use.
type Evaluator struct{}

// NewEvaluator creates an evaluator.
func NewEvaluator() *Evaluator { return &Evaluator{} }

// Candidates returns the active campaigns that match f, in priority order.
func (e *Evaluator) Candidates(f Facts, campaigns []domain.Campaign) []Candidate {
	var out []Candidate
	for _, c := range campaigns {
		if !c.IsActive() {
			continue
		}
		rules, err := ParseRules(c.Rules)
		if err != nil {
			logger.Warn("campaign skipped: bad targeting rules", "campaign_id", c.ID, "error", err)
			continue
		}
		if MatchAll(rules, f) {
			out = append(out, Candidate{Campaign: c, RuleCount: len(rules)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return higherPriority(out[i], out[j]) })
	return out
}

// Select returns the winning campaign, or nil when nothing matches.
//
// Priority: more rules first (the more specific campaign), then the most
// recently created, then the smaller id so the order is total.
func (e *Evaluator) Select(f Facts, campaigns []domain.Campaign) *domain.Campaign {
	cands := e.Candidates(f, campaigns)
	if len(cands) == 0 {
		return nil
	}
	winner := cands[0].Campaign
	return &winner
}

func higherPriority(a, b Candidate) bool {
	if a.RuleCount != b.RuleCount {
		return a.RuleCount > b.RuleCount
	}
	if !a.Campaign.CreatedAt.Equal(b.Campaign.CreatedAt) {
		return a.Campaign.CreatedAt.After(b.Campaign.CreatedAt)
	}
	return a.Campaign.ID < b.Campaign.ID
}
