// Package classify assigns classification tiers, priorities, tags, and
// sensitivity flags to knowledge entities from their content. The engine is
// pure and deterministic: same entity in, same result out, no I/O.
package classify

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sophia-intel/knowledge-service/internal/core"
)

const (
	keywordScore  = 2
	patternScore  = 3
	categoryScore = 5

	// Winning scores below this fall back to operational.
	minScore = 3
)

// Sensitivity carries the boolean sensitivity assessment for an entity.
type Sensitivity struct {
	ContainsPII       bool `json:"contains_pii"`
	ContainsFinancial bool `json:"contains_financial"`
	ContainsStrategic bool `json:"contains_strategic"`
	ContainsLegal     bool `json:"contains_legal"`
	IsConfidential    bool `json:"is_confidential"`
	IsProprietary     bool `json:"is_proprietary"`
}

// Result bundles the full classification output for an entity.
type Result struct {
	Classification core.Classification `json:"classification"`
	Priority       core.Priority       `json:"priority"`
	Tags           []string            `json:"tags"`
	Sensitivity    Sensitivity         `json:"sensitivity"`
}

type tierRules struct {
	keywords   []string
	patterns   []*regexp.Regexp
	categories map[string]bool
}

// Engine scores entity text against per-tier keyword, pattern, and category
// rules, with a domain-specific foundational short-circuit.
type Engine struct {
	rules         map[core.Classification]tierRules
	priorityOrder []core.Priority
	priorityRules map[core.Priority][]string
	piiPatterns   []*regexp.Regexp
}

// NewEngine builds an engine with the fixed rule set.
func NewEngine() *Engine {
	return &Engine{
		rules: map[core.Classification]tierRules{
			core.ClassificationFoundational: {
				keywords: []string{
					"mission", "vision", "core", "fundamental", "principle",
					"company overview", "foundation", "pillar", "essence",
					"pay ready", "bootstrapped", "profitable", "$20b",
				},
				patterns: compilePatterns(
					`company\s+(mission|vision|values)`,
					`core\s+(business|principle|value)`,
					`fundamental\s+(strategy|approach)`,
					`pay\s+ready.*platform`,
				),
				categories: set("company_overview", "core_values", "mission_vision"),
			},
			core.ClassificationStrategic: {
				keywords: []string{
					"strategy", "strategic", "initiative", "roadmap", "plan",
					"executive decision", "board", "investment", "acquisition",
					"market position", "competitive", "growth",
				},
				patterns: compilePatterns(
					`strategic\s+(initiative|plan|direction)`,
					`executive\s+(decision|approval)`,
					`board\s+(meeting|decision|presentation)`,
					`market\s+(analysis|intelligence|position)`,
				),
				categories: set("strategic_initiatives", "executive_decisions", "market_intelligence"),
			},
			core.ClassificationOperational: {
				keywords: []string{
					"process", "procedure", "workflow", "task", "operation",
					"daily", "routine", "standard", "implementation",
					"metric", "kpi", "performance", "report",
				},
				patterns: compilePatterns(
					`operational\s+(process|procedure)`,
					`daily\s+(operation|task|report)`,
					`standard\s+(procedure|workflow)`,
					`performance\s+(metric|indicator)`,
				),
				categories: set("operations", "processes", "metrics", "reports"),
			},
			core.ClassificationReference: {
				keywords: []string{
					"reference", "documentation", "guide", "manual", "resource",
					"policy", "compliance", "regulation", "standard",
					"template", "example", "best practice",
				},
				patterns: compilePatterns(
					`reference\s+(document|material)`,
					`compliance\s+(requirement|standard)`,
					`best\s+practice`,
					`policy\s+(document|manual)`,
				),
				categories: set("policies", "documentation", "compliance", "templates"),
			},
		},
		priorityOrder: []core.Priority{
			core.PriorityCritical, core.PriorityHigh, core.PriorityMedium, core.PriorityLow,
		},
		priorityRules: map[core.Priority][]string{
			core.PriorityCritical: {
				"ceo", "board", "investor", "acquisition", "merger", "crisis",
				"critical", "urgent", "immediate", "compliance violation",
				"legal", "security breach",
			},
			core.PriorityHigh: {
				"strategic", "executive", "important", "priority",
				"key initiative", "major", "significant", "core",
				"foundational", "pay ready", "$20b", "100 employees",
			},
			core.PriorityMedium: {
				"standard", "regular", "normal", "typical", "process",
				"procedure", "workflow", "operational",
			},
			core.PriorityLow: {
				"minor", "trivial", "optional", "nice-to-have", "reference",
				"archive", "historical",
			},
		},
		piiPatterns: compilePatterns(
			`\b\d{3}-\d{2}-\d{4}\b`,                               // SSN
			`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,  // email
			`\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`,                   // phone
			`\b\d{4}\s?\d{4}\s?\d{4}\s?\d{4}\b`,                   // credit card
		),
	}
}

// Classify runs the full assessment for an entity.
func (e *Engine) Classify(entity *core.Entity) Result {
	classification := e.ClassifyTier(entity)
	scored := entity.Clone()
	scored.Classification = classification
	scored.Normalize()
	priority := e.DeterminePriority(scored)
	scored.Priority = priority
	return Result{
		Classification: classification,
		Priority:       priority,
		Tags:           e.SuggestTags(scored),
		Sensitivity:    e.DetectSensitivity(entity),
	}
}

// ClassifyTier returns the classification tier for the entity.
func (e *Engine) ClassifyTier(entity *core.Entity) core.Classification {
	text := strings.ToLower(extractText(entity))

	if isPayReadyFoundational(text) {
		return core.ClassificationFoundational
	}

	scores := map[core.Classification]int{}
	for tier, rules := range e.rules {
		score := 0
		for _, kw := range rules.keywords {
			if strings.Contains(text, kw) {
				score += keywordScore
			}
		}
		for _, pat := range rules.patterns {
			if pat.MatchString(text) {
				score += patternScore
			}
		}
		if rules.categories[entity.Category] {
			score += categoryScore
		}
		scores[tier] = score
	}

	best := core.ClassificationOperational
	bestScore := -1
	// Deterministic tie-breaking by fixed tier order.
	for _, tier := range []core.Classification{
		core.ClassificationFoundational, core.ClassificationStrategic,
		core.ClassificationOperational, core.ClassificationReference,
	} {
		if scores[tier] > bestScore {
			best = tier
			bestScore = scores[tier]
		}
	}

	if bestScore < minScore {
		return core.ClassificationOperational
	}
	return best
}

// DeterminePriority returns the priority for the entity: the first keyword
// bucket that matches, scanned critical to low, else a classification-derived
// default.
func (e *Engine) DeterminePriority(entity *core.Entity) core.Priority {
	text := strings.ToLower(extractText(entity))

	for _, priority := range e.priorityOrder {
		for _, kw := range e.priorityRules[priority] {
			if strings.Contains(text, kw) {
				return priority
			}
		}
	}

	switch entity.Classification {
	case core.ClassificationFoundational, core.ClassificationStrategic:
		return core.PriorityHigh
	case core.ClassificationOperational:
		return core.PriorityMedium
	default:
		return core.PriorityLow
	}
}

// SuggestTags returns deduplicated, sorted tag suggestions.
func (e *Engine) SuggestTags(entity *core.Entity) []string {
	text := strings.ToLower(extractText(entity))
	tags := map[string]bool{}

	tags[string(entity.Classification)] = true
	if entity.Priority >= core.PriorityHigh {
		tags["priority_"+entity.Priority.String()] = true
	}

	if strings.Contains(text, "pay ready") || strings.Contains(text, "payready") {
		tags["pay_ready"] = true
	}
	if strings.Contains(text, "$20b") || strings.Contains(text, "20 billion") {
		tags["scale_20b"] = true
	}
	if strings.Contains(text, "bootstrapped") {
		tags["bootstrapped"] = true
	}
	if strings.Contains(text, "profitable") {
		tags["profitable"] = true
	}

	techKeywords := map[string]string{
		"ai":               "ai_powered",
		"machine learning": "ml",
		"automation":       "automated",
		"api":              "api",
		"integration":      "integration",
		"platform":         "platform",
	}
	for kw, tag := range techKeywords {
		if strings.Contains(text, kw) {
			tags[tag] = true
		}
	}

	businessKeywords := map[string]string{
		"revenue":     "revenue",
		"growth":      "growth",
		"customer":    "customer",
		"market":      "market",
		"competitive": "competitive",
		"strategy":    "strategic",
	}
	for kw, tag := range businessKeywords {
		if strings.Contains(text, kw) {
			tags[tag] = true
		}
	}

	out := make([]string, 0, len(tags))
	for tag := range tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// DetectSensitivity runs the sensitivity checks over the entity text.
func (e *Engine) DetectSensitivity(entity *core.Entity) Sensitivity {
	text := extractText(entity)
	lower := strings.ToLower(text)

	s := Sensitivity{
		ContainsPII:       e.containsPII(text),
		ContainsFinancial: containsAny(lower, financialKeywords),
		ContainsStrategic: containsAny(lower, strategicKeywords),
		ContainsLegal:     containsAny(lower, legalKeywords),
	}

	for _, marker := range []string{"confidential", "proprietary", "internal only", "do not share"} {
		if strings.Contains(lower, marker) {
			s.IsConfidential = true
			break
		}
	}

	if isPayReadyFoundational(lower) {
		s.IsProprietary = true
	}
	return s
}

func (e *Engine) containsPII(text string) bool {
	for _, pat := range e.piiPatterns {
		if pat.MatchString(text) {
			return true
		}
	}
	return false
}

var financialKeywords = []string{
	"revenue", "profit", "loss", "margin", "cost", "budget", "forecast",
	"financial", "earnings", "$", "dollar", "million", "billion",
}

var strategicKeywords = []string{
	"strategy", "roadmap", "initiative", "acquisition", "merger",
	"competitive", "confidential", "proprietary", "board", "investor",
	"executive decision",
}

var legalKeywords = []string{
	"legal", "contract", "agreement", "compliance", "regulation", "lawsuit",
	"liability", "dispute", "patent", "trademark", "copyright", "nda",
}

// extractText concatenates all entity text for scoring.
func extractText(entity *core.Entity) string {
	return strings.Join([]string{
		entity.Name,
		entity.Category,
		fmt.Sprint(map[string]any(entity.Content)),
		fmt.Sprint(entity.Metadata),
	}, " ")
}

// isPayReadyFoundational checks the compound Pay-Ready indicators that force
// the foundational tier regardless of scoring.
func isPayReadyFoundational(text string) bool {
	has := func(s string) bool { return strings.Contains(text, s) }
	switch {
	case has("pay ready") && (has("mission") || has("vision")):
		return true
	case has("$20b") && has("rent"):
		return true
	case has("bootstrapped") && has("profitable"):
		return true
	case has("multifamily housing") && has("platform"):
		return true
	case has("lynn musil") && has("ceo"):
		return true
	}
	return false
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func compilePatterns(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

func set(items ...string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		out[item] = true
	}
	return out
}
