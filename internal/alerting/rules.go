package alerting

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/fleetpulse/fleetpulse/internal/models"
)

// ErrUnknownRule is returned for lookups of rule names that were never loaded.
type ErrUnknownRule struct {
	Name string
}

func (e *ErrUnknownRule) Error() string {
	return fmt.Sprintf("unknown alert rule %q", e.Name)
}

// compareFunc reports whether value breaches threshold.
type compareFunc func(value, threshold float64) bool

// compiledRule is a configuration rule with its comparison operator resolved
// to a function at load time.
type compiledRule struct {
	models.AlertRule
	compare compareFunc
}

func resolveComparison(op string) (compareFunc, error) {
	switch op {
	case "gt":
		return func(v, t float64) bool { return v > t }, nil
	case "gte":
		return func(v, t float64) bool { return v >= t }, nil
	case "lt":
		return func(v, t float64) bool { return v < t }, nil
	case "lte":
		return func(v, t float64) bool { return v <= t }, nil
	}
	return nil, fmt.Errorf("unsupported comparison operator %q", op)
}

// breachLevel evaluates the rule against a value. Critical is checked before
// warning so an escalated breach never reports as a warning.
func (r *compiledRule) breachLevel(value float64) models.Severity {
	if r.compare(value, r.Critical) {
		return models.SeverityCritical
	}
	if r.compare(value, r.Warning) {
		return models.SeverityWarning
	}
	return models.SeverityOK
}

// message renders the human-readable transition description.
func (r *compiledRule) message(severity models.Severity, serverAlias string, value float64) string {
	if severity == models.SeverityOK {
		return fmt.Sprintf("RESOLVED: %s on %s recovered. Current: %g%s",
			r.MetricPath, serverAlias, value, r.Unit)
	}

	direction := map[string]string{
		"gt": "above", "gte": "above", "lt": "below", "lte": "below",
	}[r.Comparison]

	threshold := r.Warning
	if severity == models.SeverityCritical {
		threshold = r.Critical
	}

	return fmt.Sprintf("%s: %s on %s is %s threshold. Current: %g%s, Threshold: %g%s",
		strings.ToUpper(severity.String()), r.MetricPath, serverAlias,
		direction, value, r.Unit, threshold, r.Unit)
}

// compileRules validates the configured rules and resolves their operators.
// A bad rule is rejected here, before the engine can consume it.
func compileRules(rules []models.AlertRule) ([]compiledRule, error) {
	validate := validator.New()
	seen := make(map[string]struct{}, len(rules))
	compiled := make([]compiledRule, 0, len(rules))

	for i := range rules {
		rule := rules[i]
		if err := validate.Struct(&rule); err != nil {
			return nil, fmt.Errorf("invalid alert rule %q: %w", rule.Name, err)
		}
		if _, dup := seen[rule.Name]; dup {
			return nil, fmt.Errorf("invalid alert rule %q: duplicate name", rule.Name)
		}
		seen[rule.Name] = struct{}{}

		cmp, err := resolveComparison(rule.Comparison)
		if err != nil {
			return nil, fmt.Errorf("invalid alert rule %q: %w", rule.Name, err)
		}

		// The warning band must sit strictly inside the critical band, or
		// every warning-range value would classify as critical.
		if cmp(rule.Warning, rule.Critical) {
			return nil, fmt.Errorf("invalid alert rule %q: warning threshold %g breaches critical threshold %g for operator %q",
				rule.Name, rule.Warning, rule.Critical, rule.Comparison)
		}

		compiled = append(compiled, compiledRule{AlertRule: rule, compare: cmp})
	}
	return compiled, nil
}
