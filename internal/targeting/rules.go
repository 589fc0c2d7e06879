// Package targeting decides which popup campaign, if any, a visitor sees.
//
// A campaign's rules are a list of typed predicates combined with AND. Each
// predicate kind has its own Go type and its own Matches method; stored
// rules are decoded into these types once per evaluation and anything that
// does not decode disqualifies the campaign.
package targeting

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ignite/intent-engine/internal/domain"
)

// RuleType identifies a predicate variant in stored JSON.
type RuleType string

const (
	RuleIntentAtLeast       RuleType = "intent_at_least"
	RuleUTMSourceEquals     RuleType = "utm_source_equals"
	RuleSessionCountAtLeast RuleType = "session_count_at_least"
	RuleVisitorKind         RuleType = "visitor_kind"
)

// Visitor kinds accepted by the visitor_kind rule.
const (
	KindNew       = "new"
	KindReturning = "returning"
)

// ErrInvalidRule is returned for rules that cannot be decoded.
var ErrInvalidRule = errors.New("invalid targeting rule")

// Facts is the visitor state rules are evaluated against.
type Facts struct {
	IntentLevel  domain.IntentLevel
	Returning    bool
	UTMSource    string
	SessionCount int
}

// FactsFor builds evaluation facts from a visitor's current state.
func FactsFor(v *domain.Visitor) Facts {
	return Facts{
		IntentLevel:  v.IntentLevel(),
		Returning:    v.IsReturning(),
		UTMSource:    v.UTMSource,
		SessionCount: v.SessionCount,
	}
}

// Rule is one compiled predicate.
type Rule interface {
	Type() RuleType
	Matches(f Facts) bool
}

// IntentAtLeast holds when the visitor's level is at or above Level.
type IntentAtLeast struct{ Level domain.IntentLevel }

func (IntentAtLeast) Type() RuleType { return RuleIntentAtLeast }

func (r IntentAtLeast) Matches(f Facts) bool {
	return f.IntentLevel.Rank() >= r.Level.Rank()
}

// UTMSourceEquals holds when the first-touch source matches, ignoring case.
type UTMSourceEquals struct{ Source string }

func (UTMSourceEquals) Type() RuleType { return RuleUTMSourceEquals }

func (r UTMSourceEquals) Matches(f Facts) bool {
	return strings.EqualFold(strings.TrimSpace(f.UTMSource), r.Source)
}

// SessionCountAtLeast holds once the visitor has had at least N sessions.
type SessionCountAtLeast struct{ N int }

func (SessionCountAtLeast) Type() RuleType { return RuleSessionCountAtLeast }

func (r SessionCountAtLeast) Matches(f Facts) bool { return f.SessionCount >= r.N }

// VisitorKind selects new or returning visitors.
type VisitorKind struct{ Returning bool }

func (VisitorKind) Type() RuleType { return RuleVisitorKind }

func (r VisitorKind) Matches(f Facts) bool { return f.Returning == r.Returning }

// RuleSpec is the stored JSON form of a rule.
type RuleSpec struct {
	Type  RuleType        `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Compile turns a spec into its typed rule.
func (s RuleSpec) Compile() (Rule, error) {
	raw := unquote(s.Value)
	switch s.Type {
	case RuleIntentAtLeast:
		lvl := domain.IntentLevel(strings.ToLower(raw))
		if !lvl.Valid() {
			return nil, fmt.Errorf("%w: intent level %q", ErrInvalidRule, raw)
		}
		return IntentAtLeast{Level: lvl}, nil
	case RuleUTMSourceEquals:
		src := strings.ToLower(strings.TrimSpace(raw))
		if src == "" {
			return nil, fmt.Errorf("%w: empty utm source", ErrInvalidRule)
		}
		return UTMSourceEquals{Source: src}, nil
	case RuleSessionCountAtLeast:
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: session count %q", ErrInvalidRule, raw)
		}
		return SessionCountAtLeast{N: n}, nil
	case RuleVisitorKind:
		switch strings.ToLower(raw) {
		case KindNew:
			return VisitorKind{Returning: false}, nil
		case KindReturning:
			return VisitorKind{Returning: true}, nil
		}
		return nil, fmt.Errorf("%w: visitor kind %q", ErrInvalidRule, raw)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidRule, s.Type)
	}
}

// unquote accepts both "medium" and medium / 3 and "3".
func unquote(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(v))
}

// ParseRules decodes a campaign's stored rule list. Null or empty input is
// an empty rule set, which matches every visitor.
func ParseRules(raw json.RawMessage) ([]Rule, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var specs []RuleSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	rules := make([]Rule, 0, len(specs))
	for i, spec := range specs {
		r, err := spec.Compile()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// MatchAll reports whether every rule holds.
func MatchAll(rules []Rule, f Facts) bool {
	for _, r := range rules {
		if !r.Matches(f) {
			return false
		}
	}
	return true
}
