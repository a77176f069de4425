package matcher

import (
	"errors"
	"testing"

	"reconciliation-engine/internal/models"
	apperrors "reconciliation-engine/pkg/errors"
)

func ruleWith(conditions ...models.RuleCondition) *models.MatchingRule {
	return &models.MatchingRule{
		ID:         "R",
		Name:       "test rule",
		Enabled:    true,
		Conditions: conditions,
		Action:     models.RuleAction{AccountCode: "402-01"},
	}
}

func TestRuleConditions(t *testing.T) {
	tx := createTestTransaction("TX001", "-250.00", day(2024, 4, 2))
	tx.Description = "OLX Payout 123"
	tx.Counterparty = "OLX Group"
	tx.Reference = "INV-9"
	tx.Currency = "IDR"

	tests := []struct {
		name string
		cond models.RuleCondition
		want bool
	}{
		{"contains is case-insensitive", models.RuleCondition{Field: models.FieldDescription, Operator: models.OpContains, Value: "olx"}, true},
		{"not contains", models.RuleCondition{Field: models.FieldDescription, Operator: models.OpNotContains, Value: "olx"}, false},
		{"equals trims and folds case", models.RuleCondition{Field: models.FieldCounterparty, Operator: models.OpEquals, Value: " olx group "}, true},
		{"not equals", models.RuleCondition{Field: models.FieldCurrency, Operator: models.OpNotEquals, Value: "USD"}, true},
		{"starts with", models.RuleCondition{Field: models.FieldReference, Operator: models.OpStartsWith, Value: "inv-"}, true},
		{"ends with", models.RuleCondition{Field: models.FieldReference, Operator: models.OpEndsWith, Value: "-9"}, true},
		{"regular expression", models.RuleCondition{Field: models.FieldDescription, Operator: models.OpMatches, Value: `^olx\s+payout\s+\d+$`}, true},
		{"regular expression miss", models.RuleCondition{Field: models.FieldDescription, Operator: models.OpMatches, Value: `^refund`}, false},
		{"signed amount below zero", models.RuleCondition{Field: models.FieldAmount, Operator: models.OpLess, Value: "0"}, true},
		{"signed amount equals", models.RuleCondition{Field: models.FieldAmount, Operator: models.OpEquals, Value: "-250"}, true},
		{"absolute amount at least", models.RuleCondition{Field: models.FieldAbsAmount, Operator: models.OpGreaterEq, Value: "250"}, true},
		{"absolute amount strictly greater", models.RuleCondition{Field: models.FieldAbsAmount, Operator: models.OpGreater, Value: "250"}, false},
		{"absolute amount at most", models.RuleCondition{Field: models.FieldAbsAmount, Operator: models.OpLessEq, Value: "249.99"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compiled, err := compileRule(ruleWith(tt.cond))
			if err != nil {
				t.Fatalf("compileRule() error = %v", err)
			}
			if got := compiled.matches(tx); got != tt.want {
				t.Errorf("matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRuleConditionsAreConjunctive(t *testing.T) {
	tx := createTestTransaction("TX001", "250.00", day(2024, 4, 2))
	tx.Description = "OLX payout"

	compiled, err := compileRule(ruleWith(
		models.RuleCondition{Field: models.FieldDescription, Operator: models.OpContains, Value: "olx"},
		models.RuleCondition{Field: models.FieldAbsAmount, Operator: models.OpGreater, Value: "1000"},
	))
	if err != nil {
		t.Fatalf("compileRule() error = %v", err)
	}
	if compiled.matches(tx) {
		t.Error("rule should not match when one condition fails")
	}
}

func TestValidateRule(t *testing.T) {
	contains := models.RuleCondition{Field: models.FieldDescription, Operator: models.OpContains, Value: "x"}

	tests := []struct {
		name string
		rule *models.MatchingRule
	}{
		{"missing name", &models.MatchingRule{Conditions: []models.RuleCondition{contains}, Action: models.RuleAction{AccountCode: "1"}}},
		{"no conditions", ruleWith()},
		{"no account code", &models.MatchingRule{Name: "n", Conditions: []models.RuleCondition{contains}}},
		{"unknown field", ruleWith(models.RuleCondition{Field: "memo", Operator: models.OpEquals, Value: "x"})},
		{"unknown operator", ruleWith(models.RuleCondition{Field: models.FieldDescription, Operator: "like", Value: "x"})},
		{"contains on amount", ruleWith(models.RuleCondition{Field: models.FieldAmount, Operator: models.OpContains, Value: "1"})},
		{"greater on text", ruleWith(models.RuleCondition{Field: models.FieldDescription, Operator: models.OpGreater, Value: "1"})},
		{"non-numeric bound", ruleWith(models.RuleCondition{Field: models.FieldAmount, Operator: models.OpGreater, Value: "lots"})},
		{"non-numeric equals", ruleWith(models.RuleCondition{Field: models.FieldAbsAmount, Operator: models.OpEquals, Value: "ten"})},
		{"pattern on amount", ruleWith(models.RuleCondition{Field: models.FieldAbsAmount, Operator: models.OpMatches, Value: "^1"})},
		{"bad pattern", ruleWith(models.RuleCondition{Field: models.FieldDescription, Operator: models.OpMatches, Value: "("})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRule(tt.rule)
			if !errors.Is(err, apperrors.ErrInvalidRule) {
				t.Errorf("ValidateRule() = %v, want invalid rule", err)
			}
		})
	}

	if err := ValidateRule(ruleWith(contains)); err != nil {
		t.Errorf("valid rule rejected: %v", err)
	}
}

func TestNewRuleSet_PriorityOrder(t *testing.T) {
	cond := []models.RuleCondition{{Field: models.FieldDescription, Operator: models.OpContains, Value: "x"}}
	action := models.RuleAction{AccountCode: "100"}

	rules, err := NewRuleSet([]*models.MatchingRule{
		{ID: "late", Name: "late", Priority: 20, Enabled: true, Conditions: cond, Action: action},
		{ID: "first", Name: "first", Priority: 10, Enabled: true, Conditions: cond, Action: action},
		{ID: "off", Name: "off", Priority: 1, Enabled: false, Conditions: cond, Action: action},
		{ID: "second", Name: "second", Priority: 10, Enabled: true, Conditions: cond, Action: action},
	})
	if err != nil {
		t.Fatalf("NewRuleSet() error = %v", err)
	}
	if rules.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", rules.Len())
	}

	var order []string
	for _, r := range rules.Rules() {
		order = append(order, r.ID)
	}
	if !equalIDs(order, []string{"first", "second", "late"}) {
		t.Errorf("Rules() order = %v", order)
	}

	var nilSet *RuleSet
	if nilSet.Len() != 0 || nilSet.Rules() != nil {
		t.Error("nil rule set should be empty")
	}
}

func TestNewRuleSet_DisabledRuleIsNotValidated(t *testing.T) {
	broken := &models.MatchingRule{ID: "broken", Name: "broken", Enabled: false}
	if _, err := NewRuleSet([]*models.MatchingRule{broken}); err != nil {
		t.Errorf("disabled rule should be skipped, got %v", err)
	}

	broken.Enabled = true
	if _, err := NewRuleSet([]*models.MatchingRule{broken}); err == nil {
		t.Error("enabled invalid rule should fail")
	}
}
