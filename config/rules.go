package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// categoryMatchTimeout bounds a single category regex evaluation
const categoryMatchTimeout = 100 * time.Millisecond

// Routing targets
const (
	TargetAll     = "all"
	TargetPrimary = "primary"
	TargetSingle  = "single"
)

// Bottleneck match modes
const (
	MatchBoth   = "both"
	MatchEither = "either"
)

// CategoryRule maps operation names matching Pattern to Category
type CategoryRule struct {
	Category   string  `yaml:"category"`
	Pattern    string  `yaml:"pattern"`
	Multiplier float64 `yaml:"multiplier"`
}

// SeverityThresholds drives severity classification from z-score and degradation ratio
type SeverityThresholds struct {
	CriticalZ     float64 `yaml:"critical_z"`
	CriticalRatio float64 `yaml:"critical_ratio"`
	WarningZ      float64 `yaml:"warning_z"`
	WarningRatio  float64 `yaml:"warning_ratio"`
}

// RoutingPolicy is the fallback channel selection for a severity when no
// explicit routing rule matches
type RoutingPolicy struct {
	Severity      string        `yaml:"severity"`
	Target        string        `yaml:"target"`
	EscalateAfter time.Duration `yaml:"escalate_after"`
}

// BottleneckRule classifies a correlated pair by the categories of its operations
type BottleneckRule struct {
	Name           string   `yaml:"name"`
	Match          string   `yaml:"match"`
	Categories     []string `yaml:"categories"`
	Recommendation string   `yaml:"recommendation"`
}

// Matches reports whether the rule applies to a pair with categories a and b
func (r BottleneckRule) Matches(a, b string) bool {
	inA, inB := r.has(a), r.has(b)
	if r.Match == MatchBoth {
		return inA && inB
	}
	return inA || inB
}

func (r BottleneckRule) has(category string) bool {
	for _, c := range r.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Rules holds the data tables that drive categorization, severity, routing
// and bottleneck classification
type Rules struct {
	Categories             []CategoryRule     `yaml:"categories"`
	DefaultMultiplier      float64            `yaml:"default_multiplier"`
	Severity               SeverityThresholds `yaml:"severity"`
	Routing                []RoutingPolicy    `yaml:"routing"`
	Bottlenecks            []BottleneckRule   `yaml:"bottlenecks"`
	FallbackBottleneck     string             `yaml:"fallback_bottleneck"`
	FallbackRecommendation string             `yaml:"fallback_recommendation"`

	compiled []compiledCategory
}

type compiledCategory struct {
	rule CategoryRule
	re   *regexp2.Regexp
}

// DefaultRules returns the built-in tables, compiled
func DefaultRules() *Rules {
	r := &Rules{
		Categories: []CategoryRule{
			{Category: "log", Pattern: `journal|wal|log`, Multiplier: 2.5},
			{Category: "cache", Pattern: `cache|lookup`, Multiplier: 2.0},
			{Category: "storage", Pattern: `gc|compact|vacuum|flush|storage|disk|blob|chunk`, Multiplier: 2.5},
			{Category: "maintenance", Pattern: `maintenance|rebuild|reindex|cleanup`, Multiplier: 2.5},
			{Category: "write", Pattern: `commit|merge|insert|update|delete|write|push|create|branch`, Multiplier: 2.5},
			{Category: "read", Pattern: `read|select|query|get|list|diff|checkout|fetch`, Multiplier: 2.0},
		},
		DefaultMultiplier: 2.5,
		Severity: SeverityThresholds{
			CriticalZ:     5,
			CriticalRatio: 3,
			WarningZ:      3,
			WarningRatio:  2,
		},
		Routing: []RoutingPolicy{
			{Severity: "CRITICAL", Target: TargetAll, EscalateAfter: 0},
			{Severity: "WARNING", Target: TargetPrimary, EscalateAfter: 10 * time.Minute},
			{Severity: "INFO", Target: TargetSingle, EscalateAfter: 30 * time.Minute},
		},
		Bottlenecks: []BottleneckRule{
			{
				Name: "shared_write_path_saturation", Match: MatchBoth, Categories: []string{"write"},
				Recommendation: "Both operations degrade together on the write path. Review write batching and lock hold times, and consider serializing bulk writes.",
			},
			{
				Name: "log_journal_saturation", Match: MatchEither, Categories: []string{"log"},
				Recommendation: "Degradation tracks journal activity. Check log flush frequency and fsync latency, and move the journal to faster storage if it is saturated.",
			},
			{
				Name: "storage_io_contention", Match: MatchEither, Categories: []string{"storage", "maintenance"},
				Recommendation: "Degradation tracks storage or maintenance work. Schedule compaction and garbage collection outside peak hours and check disk queue depth.",
			},
			{
				Name: "cache_pressure", Match: MatchEither, Categories: []string{"cache"},
				Recommendation: "Degradation tracks cache activity. Check hit ratio and eviction rate, and consider increasing cache capacity.",
			},
			{
				Name: "cache_pressure", Match: MatchBoth, Categories: []string{"read"},
				Recommendation: "Read operations degrade together, which points at cache misses. Check hit ratio and eviction rate, and consider increasing cache capacity.",
			},
		},
		FallbackBottleneck:     "shared_resource_contention",
		FallbackRecommendation: "Operations degrade together without a recognized shared path. Compare host CPU, memory and network usage over the correlated window.",
	}
	if err := r.compile(); err != nil {
		// built-in patterns are constant
		panic(err)
	}
	return r
}

// rulesSchema validates rules override files
const rulesSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "categories": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["category", "pattern"],
        "additionalProperties": false,
        "properties": {
          "category": {"type": "string", "minLength": 1},
          "pattern": {"type": "string", "minLength": 1},
          "multiplier": {"type": "number", "exclusiveMinimum": 1}
        }
      }
    },
    "default_multiplier": {"type": "number", "exclusiveMinimum": 1},
    "severity": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "critical_z": {"type": "number", "exclusiveMinimum": 0},
        "critical_ratio": {"type": "number", "exclusiveMinimum": 0},
        "warning_z": {"type": "number", "exclusiveMinimum": 0},
        "warning_ratio": {"type": "number", "exclusiveMinimum": 0}
      }
    },
    "routing": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["severity", "target"],
        "additionalProperties": false,
        "properties": {
          "severity": {"enum": ["CRITICAL", "WARNING", "INFO"]},
          "target": {"enum": ["all", "primary", "single"]},
          "escalate_after": {"type": "string"}
        }
      }
    },
    "bottlenecks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "match", "categories", "recommendation"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "match": {"enum": ["both", "either"]},
          "categories": {"type": "array", "minItems": 1, "items": {"type": "string"}},
          "recommendation": {"type": "string", "minLength": 1}
        }
      }
    },
    "fallback_bottleneck": {"type": "string", "minLength": 1},
    "fallback_recommendation": {"type": "string", "minLength": 1}
  }
}`

// LoadRules returns the built-in rules, overridden section by section by the
// YAML file at path when path is non-empty
func LoadRules(path string, logger *zap.SugaredLogger) (*Rules, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if path == "" {
		return DefaultRules(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logger.Infof("Loaded rules from %s (%d categories, %d bottleneck rules)",
		path, len(rules.Categories), len(rules.Bottlenecks))
	return rules, nil
}

// ParseRules validates a YAML override document and merges it over the defaults
func ParseRules(data []byte) (*Rules, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if doc == nil {
		return DefaultRules(), nil
	}

	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(rulesSchema), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to validate rules against schema: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return nil, fmt.Errorf("rules validation failed: %s", strings.Join(errs, "; "))
	}

	rules := DefaultRules()
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules: %w", err)
	}
	if err := rules.validate(); err != nil {
		return nil, err
	}
	if err := rules.compile(); err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *Rules) validate() error {
	if r.Severity.CriticalZ < r.Severity.WarningZ {
		return fmt.Errorf("severity.critical_z (%g) must be >= severity.warning_z (%g)", r.Severity.CriticalZ, r.Severity.WarningZ)
	}
	if r.Severity.CriticalRatio < r.Severity.WarningRatio {
		return fmt.Errorf("severity.critical_ratio (%g) must be >= severity.warning_ratio (%g)",
			r.Severity.CriticalRatio, r.Severity.WarningRatio)
	}
	seen := make(map[string]bool)
	for _, p := range r.Routing {
		if seen[p.Severity] {
			return fmt.Errorf("duplicate routing policy for %s", p.Severity)
		}
		seen[p.Severity] = true
		if p.EscalateAfter < 0 {
			return fmt.Errorf("routing policy %s: escalate_after must not be negative", p.Severity)
		}
	}
	return nil
}

func (r *Rules) compile() error {
	compiled := make([]compiledCategory, 0, len(r.Categories))
	for i, c := range r.Categories {
		re, err := regexp2.Compile(c.Pattern, regexp2.IgnoreCase)
		if err != nil {
			return fmt.Errorf("category rule %d (%s): invalid pattern: %w", i, c.Category, err)
		}
		re.MatchTimeout = categoryMatchTimeout
		if c.Multiplier == 0 {
			c.Multiplier = r.DefaultMultiplier
		}
		compiled = append(compiled, compiledCategory{rule: c, re: re})
	}
	r.compiled = compiled
	return nil
}

// Categorize returns the category of the first rule matching name, or "other".
// A pattern that times out counts as no match.
func (r *Rules) Categorize(name string) string {
	for _, c := range r.compiled {
		if ok, err := c.re.MatchString(name); err == nil && ok {
			return c.rule.Category
		}
	}
	return "other"
}

// Multiplier returns the alert-threshold multiplier for a category
func (r *Rules) Multiplier(category string) float64 {
	for _, c := range r.compiled {
		if c.rule.Category == category {
			return c.rule.Multiplier
		}
	}
	return r.DefaultMultiplier
}

// RoutingFor returns the routing policy for a severity. Severities with no
// policy are routed to all enabled endpoints immediately.
func (r *Rules) RoutingFor(severity string) RoutingPolicy {
	for _, p := range r.Routing {
		if p.Severity == severity {
			return p
		}
	}
	return RoutingPolicy{Severity: severity, Target: TargetAll}
}

// ClassifyBottleneck returns the first bottleneck rule matching the pair's
// categories. generic is true when only the fallback applies.
func (r *Rules) ClassifyBottleneck(categoryA, categoryB string) (name, recommendation string, generic bool) {
	for _, b := range r.Bottlenecks {
		if b.Matches(categoryA, categoryB) {
			return b.Name, b.Recommendation, false
		}
	}
	return r.FallbackBottleneck, r.FallbackRecommendation, true
}
