package parsers

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"reconciliation-engine/internal/matcher"
	"reconciliation-engine/internal/models"
	apperrors "reconciliation-engine/pkg/errors"

	"gopkg.in/yaml.v3"
)

// ruleFile is the YAML layout of a rule file:
//
//	rules:
//	  - id: olx-fees
//	    name: OLX marketplace fees
//	    priority: 10
//	    conditions:
//	      - {field: description, operator: contains, value: OLX}
//	    action:
//	      account_code: "6100"
//	      auto_confirm: true
type ruleFile struct {
	Rules []ruleDocument `yaml:"rules"`
}

type ruleDocument struct {
	ID         string                 `yaml:"id"`
	Name       string                 `yaml:"name"`
	Scope      string                 `yaml:"scope"`
	Priority   int                    `yaml:"priority"`
	Enabled    *bool                  `yaml:"enabled"`
	Conditions []models.RuleCondition `yaml:"conditions"`
	Action     models.RuleAction      `yaml:"action"`
}

// LoadRules reads and validates a YAML rule file
func LoadRules(filePath string) ([]*models.MatchingRule, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, apperrors.NewRowError(apperrors.CodeInvalidFormat, apperrors.ParseContext{File: filePath}, "cannot open rule file", err)
	}
	defer file.Close()

	return ParseRules(file, filePath)
}

// ParseRules decodes rules from r. Rules are enabled unless they say
// otherwise; IDs must be unique and every rule must compile.
func ParseRules(r io.Reader, name string) ([]*models.MatchingRule, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var doc ruleFile
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		rowErr := apperrors.NewRowError(apperrors.CodeInvalidFormat, apperrors.ParseContext{File: name}, "invalid rule file", err)
		rowErr.WithSuggestion("Rule files hold a top-level 'rules' list")
		return nil, rowErr
	}

	rules := make([]*models.MatchingRule, 0, len(doc.Rules))
	seen := make(map[string]bool, len(doc.Rules))
	for i, d := range doc.Rules {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			return nil, apperrors.ValidationError(apperrors.CodeInvalidRule, "id", "",
				fmt.Errorf("%s: rule %d has no id", name, i+1))
		}
		if seen[id] {
			return nil, apperrors.ValidationError(apperrors.CodeInvalidRule, "id", id,
				fmt.Errorf("%s: duplicate rule id %s", name, id))
		}
		seen[id] = true

		rule := &models.MatchingRule{
			ID:         id,
			Name:       strings.TrimSpace(d.Name),
			Scope:      strings.TrimSpace(d.Scope),
			Priority:   d.Priority,
			Enabled:    d.Enabled == nil || *d.Enabled,
			Conditions: d.Conditions,
			Action:     d.Action,
		}
		if rule.Name == "" {
			rule.Name = rule.ID
		}
		if err := matcher.ValidateRule(rule); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
