package matcher

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"reconciliation-engine/internal/models"
	apperrors "reconciliation-engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// RuleSet is the compiled, priority-ordered list of enabled matching rules
type RuleSet struct {
	rules []*compiledRule
}

type compiledRule struct {
	rule       *models.MatchingRule
	conditions []compiledCondition
}

type compiledCondition struct {
	models.RuleCondition
	pattern *regexp.Regexp
	number  decimal.Decimal
}

// NewRuleSet validates and compiles rules. Disabled rules are dropped; the rest
// run ascending by priority, ties keeping their input order.
func NewRuleSet(rules []*models.MatchingRule) (*RuleSet, error) {
	set := &RuleSet{}
	for _, rule := range rules {
		if rule == nil || !rule.Enabled {
			continue
		}
		compiled, err := compileRule(rule)
		if err != nil {
			return nil, err
		}
		set.rules = append(set.rules, compiled)
	}

	sort.SliceStable(set.rules, func(i, j int) bool {
		return set.rules[i].rule.Priority < set.rules[j].rule.Priority
	})
	return set, nil
}

// Len returns the number of enabled rules
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Rules returns the enabled rules in evaluation order
func (rs *RuleSet) Rules() []*models.MatchingRule {
	if rs == nil {
		return nil
	}
	out := make([]*models.MatchingRule, 0, len(rs.rules))
	for _, r := range rs.rules {
		out = append(out, r.rule)
	}
	return out
}

// ValidateRule checks a rule without compiling it into a set
func ValidateRule(rule *models.MatchingRule) error {
	_, err := compileRule(rule)
	return err
}

func compileRule(rule *models.MatchingRule) (*compiledRule, error) {
	invalid := func(reason string, err error) error {
		name := rule.Name
		if name == "" {
			name = rule.ID
		}
		return apperrors.ValidationError(apperrors.CodeInvalidRule, name, reason, err)
	}

	if strings.TrimSpace(rule.Name) == "" {
		return nil, invalid("rule name is required", nil)
	}
	if len(rule.Conditions) == 0 {
		return nil, invalid("at least one condition is required", nil)
	}
	if strings.TrimSpace(rule.Action.AccountCode) == "" {
		return nil, invalid("action account code is required", nil)
	}

	compiled := &compiledRule{rule: rule}
	for i, cond := range rule.Conditions {
		cc := compiledCondition{RuleCondition: cond}

		switch cond.Field {
		case models.FieldDescription, models.FieldCounterparty, models.FieldReference, models.FieldCurrency,
			models.FieldAmount, models.FieldAbsAmount:
		default:
			return nil, invalid(fmt.Sprintf("condition %d: unknown field %q", i+1, cond.Field), nil)
		}

		switch cond.Operator {
		case models.OpEquals, models.OpNotEquals:
			if cond.Field.IsNumeric() {
				n, err := decimal.NewFromString(strings.TrimSpace(cond.Value))
				if err != nil {
					return nil, invalid(fmt.Sprintf("condition %d: %q is not a number", i+1, cond.Value), err)
				}
				cc.number = n
			}
		case models.OpContains, models.OpNotContains, models.OpStartsWith, models.OpEndsWith, models.OpMatches:
			if cond.Field.IsNumeric() {
				return nil, invalid(fmt.Sprintf("condition %d: %s does not apply to %s", i+1, cond.Operator, cond.Field), nil)
			}
			if cond.Operator != models.OpMatches {
				break
			}
			re, err := regexp.Compile("(?i)" + cond.Value)
			if err != nil {
				return nil, invalid(fmt.Sprintf("condition %d: bad pattern", i+1), err)
			}
			cc.pattern = re
		case models.OpGreater, models.OpGreaterEq, models.OpLess, models.OpLessEq:
			if !cond.Field.IsNumeric() {
				return nil, invalid(fmt.Sprintf("condition %d: %s needs a numeric field", i+1, cond.Operator), nil)
			}
			n, err := decimal.NewFromString(strings.TrimSpace(cond.Value))
			if err != nil {
				return nil, invalid(fmt.Sprintf("condition %d: %q is not a number", i+1, cond.Value), err)
			}
			cc.number = n
		default:
			return nil, invalid(fmt.Sprintf("condition %d: unknown operator %q", i+1, cond.Operator), nil)
		}

		compiled.conditions = append(compiled.conditions, cc)
	}
	return compiled, nil
}

// matches reports whether every condition holds for tx
func (r *compiledRule) matches(tx *models.BankTransaction) bool {
	for _, cond := range r.conditions {
		if !cond.holds(tx) {
			return false
		}
	}
	return true
}

func (c compiledCondition) holds(tx *models.BankTransaction) bool {
	if c.Field.IsNumeric() {
		value := tx.Amount
		if c.Field == models.FieldAbsAmount {
			value = tx.Amount.Abs()
		}
		return c.compareNumber(value)
	}

	var value string
	switch c.Field {
	case models.FieldDescription:
		value = tx.Description
	case models.FieldCounterparty:
		value = tx.Counterparty
	case models.FieldReference:
		value = tx.Reference
	case models.FieldCurrency:
		value = tx.Currency
	}

	if c.Operator == models.OpMatches {
		return c.pattern.MatchString(value)
	}

	value = strings.ToLower(strings.TrimSpace(value))
	want := strings.ToLower(strings.TrimSpace(c.Value))

	switch c.Operator {
	case models.OpEquals:
		return value == want
	case models.OpNotEquals:
		return value != want
	case models.OpContains:
		return strings.Contains(value, want)
	case models.OpNotContains:
		return !strings.Contains(value, want)
	case models.OpStartsWith:
		return strings.HasPrefix(value, want)
	case models.OpEndsWith:
		return strings.HasSuffix(value, want)
	}
	return false
}

func (c compiledCondition) compareNumber(value decimal.Decimal) bool {
	switch c.Operator {
	case models.OpEquals:
		return value.Equal(c.number)
	case models.OpNotEquals:
		return !value.Equal(c.number)
	case models.OpGreater:
		return value.GreaterThan(c.number)
	case models.OpGreaterEq:
		return value.GreaterThanOrEqual(c.number)
	case models.OpLess:
		return value.LessThan(c.number)
	case models.OpLessEq:
		return value.LessThanOrEqual(c.number)
	}
	return false
}
