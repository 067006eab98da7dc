// Package translate rewrites SQL Server queries into Snowflake SQL with an
// ordered, token-aware rule set.
package translate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Engine translates source-dialect text into the target dialect.
type Engine interface {
	// Translate applies every matching rule in order. It returns either
	// the fully translated text or an error, never partial output.
	Translate(sql string) (*Result, error)

	// Validate runs the syntactic check on target-dialect text.
	Validate(sql string) error

	// Rules returns the registered rules in application order.
	Rules() []Rule
}

// Result is a successful translation.
type Result struct {
	Text      string   `json:"text"`
	Warnings  []string `json:"warnings,omitempty"`
	Applied   []string `json:"applied,omitempty"`
	Validated bool     `json:"validated"`
}

type engine struct {
	log       logrus.FieldLogger
	rules     []Rule
	validator *Validator
}

var _ Engine = (*engine)(nil)

// NewEngine creates an engine with the given rules, or DefaultRules when
// none are passed.
func NewEngine(log logrus.FieldLogger, rules ...Rule) Engine {
	if len(rules) == 0 {
		rules = DefaultRules()
	}

	return &engine{
		log:       log.WithField("component", "translate"),
		rules:     rules,
		validator: NewValidator(rules),
	}
}

func (e *engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)

	return out
}

func (e *engine) Translate(sql string) (*Result, error) {
	src := NewSource(sql)
	result := &Result{}

	for _, rule := range e.rules {
		if !rule.Matches(src) {
			continue
		}

		text, warnings, err := rule.Rewrite(src)
		if err != nil {
			var terr *TranslationError
			if errors.As(err, &terr) {
				return nil, terr
			}

			return nil, &TranslationError{
				RuleID:  rule.ID(),
				Snippet: firstLine(sql),
				Reason:  err.Error(),
			}
		}

		result.Applied = append(result.Applied, rule.ID())
		result.Warnings = append(result.Warnings, warnings...)
		src = NewSource(text)
	}

	result.Text = src.Text

	if err := e.validator.Validate(result.Text); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("validation failed: %v", err))

		e.log.WithError(err).Debug("Translated query failed validation")
	} else {
		result.Validated = true
	}

	return result, nil
}

func (e *engine) Validate(sql string) error {
	return e.validator.Validate(sql)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}

	if len(s) > 2*snippetRadius {
		s = s[:2*snippetRadius]
	}

	return s
}
