// Package directive resolves which analyzers apply to an artifact from its case context.
// Resolution is a pure function of its inputs.
package directive

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cloo-solutions/forensix/internal/domain"
)

// Directives understood by the pipeline.
const (
	DFIR      = "dfir"
	Financial = "financial"
	Embedding = "embedding"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

var defaultRules = mustParseRules(defaultRulesYAML)

// Rules drive resolution. They can be loaded from YAML.
type Rules struct {
	Known    []string                   `yaml:"known"`
	Keywords map[string][]string        `yaml:"keywords"`
	Formats  map[domain.Format][]string `yaml:"formats"`
}

// DefaultRules returns the built-in rules.
func DefaultRules() *Rules {
	return defaultRules
}

// LoadRules reads rules from a YAML file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directive rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates YAML rules.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse directive rules: %w", err)
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func mustParseRules(data []byte) *Rules {
	r, err := ParseRules(data)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Rules) validate() error {
	if len(r.Known) == 0 {
		return fmt.Errorf("directive rules must list at least one known directive")
	}
	for d := range r.Keywords {
		if !r.isKnown(d) {
			return fmt.Errorf("keyword rule for unknown directive %q", d)
		}
	}
	for f, ds := range r.Formats {
		if !f.IsValid() {
			return fmt.Errorf("format rule for unknown format %q", f)
		}
		for _, d := range ds {
			if !r.isKnown(d) {
				return fmt.Errorf("format %s maps to unknown directive %q", f, d)
			}
		}
	}
	return nil
}

func (r *Rules) isKnown(d string) bool {
	for _, k := range r.Known {
		if k == d {
			return true
		}
	}
	return false
}

// Set is a sorted, duplicate-free directive set. The empty set is the minimal safe set:
// hashing and metadata only.
type Set []string

// Has reports whether d is in the set.
func (s Set) Has(d string) bool {
	i := sort.SearchStrings(s, d)
	return i < len(s) && s[i] == d
}

// Minimal reports whether only hashing and metadata should run.
func (s Set) Minimal() bool {
	return len(s) == 0
}

func newSet(m map[string]struct{}) Set {
	s := make(Set, 0, len(m))
	for d := range m {
		s = append(s, d)
	}
	sort.Strings(s)
	return s
}

// Router resolves directives against a rule set.
type Router struct {
	rules *Rules
}

// NewRouter creates a router. nil rules means DefaultRules.
func NewRouter(rules *Rules) *Router {
	if rules == nil {
		rules = defaultRules
	}
	return &Router{rules: rules}
}

// Resolve returns the directives for an artifact. Explicit hints, question keywords and format
// defaults are unioned. Any unrecognized hint yields the minimal set and a
// DIRECTIVE_RESOLUTION_ERROR, so a typo never silently widens or narrows analysis.
func (r *Router) Resolve(cc domain.CaseContext, format domain.Format) (Set, error) {
	selected := make(map[string]struct{})
	var unknown []string

	for _, hint := range cc.Directives {
		d := strings.ToLower(strings.TrimSpace(hint))
		if d == "" {
			continue
		}
		if !r.rules.isKnown(d) {
			unknown = append(unknown, hint)
			continue
		}
		selected[d] = struct{}{}
	}

	if len(unknown) > 0 {
		return Set{}, domain.NewDomainErrorWithCause(domain.ErrCodeDirectiveResolution,
			fmt.Sprintf("unknown directive hints: %s", strings.Join(unknown, ", ")), domain.ErrUnknownDirective)
	}

	if q := strings.ToLower(cc.Question); q != "" {
		for d, keywords := range r.rules.Keywords {
			for _, kw := range keywords {
				if strings.Contains(q, kw) {
					selected[d] = struct{}{}
					break
				}
			}
		}
	}

	for _, d := range r.rules.Formats[format] {
		selected[d] = struct{}{}
	}

	return newSet(selected), nil
}

// Resolve resolves with the default rules.
func Resolve(cc domain.CaseContext, format domain.Format) (Set, error) {
	return NewRouter(nil).Resolve(cc, format)
}
