package pool

import (
	"strings"

	"k8s.io/apimachinery/pkg/labels"
)

// Requirement is a parsed capability requirement.
//
// Grammar: alternatives separated by "||"; each alternative is a conjunction
// of terms separated by "&&" or ","; a term is "label", "!label",
// "key=value" or "key!=value". The empty requirement matches every agent.
type Requirement struct {
	text         string
	alternatives []labels.Selector
}

// ParseRequirement parses a capability requirement expression.
func ParseRequirement(expr string) (Requirement, error) {
	text := strings.TrimSpace(expr)
	if text == "" {
		return Requirement{}, nil
	}

	var alternatives []labels.Selector
	for _, alt := range strings.Split(text, "||") {
		terms := strings.Split(strings.ReplaceAll(alt, "&&", ","), ",")
		for i := range terms {
			terms[i] = strings.TrimSpace(terms[i])
			if terms[i] == "" {
				return Requirement{}, NewValidationError("capability requirement", expr, "empty term")
			}
		}
		sel, err := labels.Parse(strings.Join(terms, ","))
		if err != nil {
			return Requirement{}, NewValidationError("capability requirement", expr, err.Error())
		}
		alternatives = append(alternatives, sel)
	}
	return Requirement{text: text, alternatives: alternatives}, nil
}

// MustParseRequirement panics when expr does not parse.
func MustParseRequirement(expr string) Requirement {
	r, err := ParseRequirement(expr)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Requirement) String() string { return r.text }

// IsEmpty reports whether r matches every agent.
func (r Requirement) IsEmpty() bool { return len(r.alternatives) == 0 }

// Matches reports whether def satisfies the requirement.
func (r Requirement) Matches(def AgentDefinition) bool {
	if r.IsEmpty() {
		return true
	}
	set := def.LabelSet()
	for _, sel := range r.alternatives {
		if sel.Matches(set) {
			return true
		}
	}
	return false
}
