package translate

import (
	"fmt"
	"strings"
)

// Rule is one dialect rewrite. Matches decides applicability from the
// token stream; Rewrite returns the full rewritten text and any warnings,
// or a *TranslationError when the construct cannot be expressed in the
// target dialect.
type Rule interface {
	ID() string
	Matches(src *Source) bool
	Rewrite(src *Source) (string, []string, error)
}

// TranslationError reports the rule that refused to rewrite a construct.
type TranslationError struct {
	RuleID  string
	Snippet string
	Reason  string
}

func (e *TranslationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("rule %s: cannot translate near %q", e.RuleID, e.Snippet)
	}

	return fmt.Sprintf("rule %s: %s near %q", e.RuleID, e.Reason, e.Snippet)
}

// DefaultRules returns the SQL Server to Snowflake rule set in
// application order.
func DefaultRules() []Rule {
	return []Rule{
		&bracketIdentifiers{},
		&tableHints{},
		NewFunctionRename("getdate", "GETDATE", "CURRENT_TIMESTAMP"),
		NewFunctionRename("getutcdate", "GETUTCDATE", "CURRENT_TIMESTAMP"),
		NewFunctionRename("len", "LEN", "LENGTH"),
		NewFunctionRename("isnull", "ISNULL", "IFNULL"),
		NewFunctionRename("newid", "NEWID", "UUID_STRING"),
		&topToLimit{},
	}
}

// functionRename renames a function at its call sites. Only a word
// directly followed by "(" and not qualified by a schema matches.
type functionRename struct {
	id   string
	from string
	to   string
}

var _ Rule = (*functionRename)(nil)

// NewFunctionRename returns a rule that renames calls of from to to.
func NewFunctionRename(id, from, to string) Rule {
	return &functionRename{id: id, from: from, to: to}
}

func (r *functionRename) ID() string { return r.id }

func (r *functionRename) Matches(src *Source) bool {
	return len(r.callSites(src)) > 0
}

func (r *functionRename) Rewrite(src *Source) (string, []string, error) {
	sites := r.callSites(src)
	edits := make([]edit, 0, len(sites))

	for _, i := range sites {
		edits = append(edits, edit{
			start: src.Tokens[i].Start,
			end:   src.Tokens[i].End,
			text:  r.to,
		})
	}

	return applyEdits(src.Text, edits), nil, nil
}

func (r *functionRename) callSites(src *Source) []int {
	var sites []int

	for i, tok := range src.Tokens {
		if !tok.IsWord(r.from) {
			continue
		}

		next := src.NextSignificant(i)
		if next < 0 || !src.Tokens[next].IsPunct("(") {
			continue
		}

		if prev := src.PrevSignificant(i); prev >= 0 && src.Tokens[prev].IsPunct(".") {
			continue
		}

		sites = append(sites, i)
	}

	return sites
}

// bracketIdentifiers converts [name] identifiers to ANSI "name".
type bracketIdentifiers struct{}

var _ Rule = (*bracketIdentifiers)(nil)

func (r *bracketIdentifiers) ID() string { return "bracket-identifiers" }

func (r *bracketIdentifiers) Matches(src *Source) bool {
	for _, tok := range src.Tokens {
		if isBracketed(tok) {
			return true
		}
	}

	return false
}

func (r *bracketIdentifiers) Rewrite(src *Source) (string, []string, error) {
	var edits []edit

	for i, tok := range src.Tokens {
		if !isBracketed(tok) {
			continue
		}

		if !strings.HasSuffix(tok.Text, "]") || len(tok.Text) < 2 {
			return "", nil, &TranslationError{
				RuleID:  r.ID(),
				Snippet: src.Snippet(i),
				Reason:  "unterminated bracket identifier",
			}
		}

		inner := strings.ReplaceAll(tok.Text[1:len(tok.Text)-1], "]]", "]")
		edits = append(edits, edit{
			start: tok.Start,
			end:   tok.End,
			text:  `"` + strings.ReplaceAll(inner, `"`, `""`) + `"`,
		})
	}

	return applyEdits(src.Text, edits), nil, nil
}

func isBracketed(tok Token) bool {
	return tok.Kind == TokenQuotedIdent && strings.HasPrefix(tok.Text, "[")
}

// lockingHints are SQL Server table hints without a target equivalent.
var lockingHints = map[string]struct{}{
	"NOLOCK":          {},
	"READUNCOMMITTED": {},
	"READCOMMITTED":   {},
	"REPEATABLEREAD":  {},
	"SERIALIZABLE":    {},
	"ROWLOCK":         {},
	"PAGLOCK":         {},
	"TABLOCK":         {},
	"TABLOCKX":        {},
	"UPDLOCK":         {},
	"HOLDLOCK":        {},
	"XLOCK":           {},
	"NOWAIT":          {},
	"READPAST":        {},
}

// tableHints drops WITH (NOLOCK)-style table hints.
type tableHints struct{}

var _ Rule = (*tableHints)(nil)

type hintSpan struct {
	with  int
	close int
	hints []string
}

func (r *tableHints) ID() string { return "table-hints" }

func (r *tableHints) Matches(src *Source) bool {
	return len(r.spans(src)) > 0
}

func (r *tableHints) Rewrite(src *Source) (string, []string, error) {
	spans := r.spans(src)
	edits := make([]edit, 0, len(spans))
	warnings := make([]string, 0, len(spans))

	for _, span := range spans {
		start := src.Tokens[span.with].Start
		if span.with > 0 && src.Tokens[span.with-1].Kind == TokenWhitespace {
			start = src.Tokens[span.with-1].Start
		}

		edits = append(edits, edit{start: start, end: src.Tokens[span.close].End})
		warnings = append(warnings, fmt.Sprintf(
			"removed table hint WITH (%s)", strings.Join(span.hints, ", "),
		))
	}

	return applyEdits(src.Text, edits), warnings, nil
}

func (r *tableHints) spans(src *Source) []hintSpan {
	var spans []hintSpan

	for i, tok := range src.Tokens {
		if !tok.IsWord("WITH") {
			continue
		}

		open := src.NextSignificant(i)
		if open < 0 || !src.Tokens[open].IsPunct("(") {
			continue
		}

		var (
			hints []string
			end   = -1
		)

		for j := src.NextSignificant(open); j >= 0; j = src.NextSignificant(j) {
			t := src.Tokens[j]
			if t.Kind != TokenWord {
				break
			}

			if _, ok := lockingHints[strings.ToUpper(t.Text)]; !ok {
				break
			}

			hints = append(hints, strings.ToUpper(t.Text))

			sep := src.NextSignificant(j)
			if sep < 0 {
				break
			}

			if src.Tokens[sep].IsPunct(")") {
				end = sep

				break
			}

			if !src.Tokens[sep].IsPunct(",") {
				break
			}

			j = sep
		}

		if end >= 0 {
			spans = append(spans, hintSpan{with: i, close: end, hints: hints})
		}
	}

	return spans
}
