package translate

import "strings"

// topToLimit relocates SELECT TOP n to a trailing LIMIT n at the end of
// the enclosing select scope.
type topToLimit struct{}

var _ Rule = (*topToLimit)(nil)

// topClause locates one TOP clause. countEnd is the last token of the row
// count; reason is set when the clause cannot be relocated.
type topClause struct {
	top      int
	countEnd int
	count    string
	reason   string
	reasonAt int
}

func (r *topToLimit) ID() string { return "top-to-limit" }

func (r *topToLimit) Matches(src *Source) bool {
	return len(findTopClauses(src)) > 0
}

func (r *topToLimit) Rewrite(src *Source) (string, []string, error) {
	clauses := findTopClauses(src)
	depths := src.Depths()
	edits := make([]edit, 0, 2*len(clauses))

	for _, c := range clauses {
		if c.reason != "" {
			return "", nil, r.fail(src, c.reasonAt, c.reason)
		}

		last, err := r.scopeEnd(src, depths, c)
		if err != nil {
			return "", nil, err
		}

		removeEnd := src.Tokens[c.countEnd].End
		if next := c.countEnd + 1; next < len(src.Tokens) && src.Tokens[next].Kind == TokenWhitespace {
			removeEnd = src.Tokens[next].End
		}

		edits = append(edits,
			edit{start: src.Tokens[c.top].Start, end: removeEnd},
			edit{
				start: src.Tokens[last].End,
				end:   src.Tokens[last].End,
				text:  " LIMIT " + c.count,
			},
		)
	}

	return applyEdits(src.Text, edits), nil, nil
}

// scopeEnd returns the last significant token of the select scope that
// owns the clause. The scope ends at a ";" on the same depth, at the paren
// closing an enclosing subquery, or at end of input.
func (r *topToLimit) scopeEnd(src *Source, depths []int, c topClause) (int, error) {
	depth := depths[c.top]
	last := -1

	for j := c.countEnd + 1; j < len(src.Tokens); j++ {
		tok := src.Tokens[j]
		if depths[j] < depth {
			break
		}

		if depths[j] == depth {
			if tok.IsPunct(";") {
				break
			}

			if tok.IsWord("UNION", "EXCEPT", "INTERSECT", "MINUS") {
				return -1, r.fail(src, j, "TOP inside a compound select")
			}

			if tok.IsWord("LIMIT", "OFFSET", "FETCH") {
				return -1, r.fail(src, j, "TOP combined with "+strings.ToUpper(tok.Text))
			}
		}

		if tok.Significant() {
			last = j
		}
	}

	if last < 0 {
		return -1, r.fail(src, c.top, "TOP without a select list")
	}

	return last, nil
}

func (r *topToLimit) fail(src *Source, at int, reason string) error {
	return &TranslationError{RuleID: r.ID(), Snippet: src.Snippet(at), Reason: reason}
}

// findTopClauses returns every SELECT [DISTINCT|ALL] TOP clause, plus TOP
// clauses of UPDATE, DELETE and INSERT, which have no LIMIT equivalent and
// always carry a reason. A TOP word not followed by a count or "(" is
// treated as an identifier.
func findTopClauses(src *Source) []topClause {
	var clauses []topClause

	for i, tok := range src.Tokens {
		if !tok.IsWord("TOP") {
			continue
		}

		prev := src.PrevSignificant(i)
		if prev < 0 {
			continue
		}

		dml := ""
		if src.Tokens[prev].IsWord("UPDATE", "DELETE", "INSERT") {
			dml = strings.ToUpper(src.Tokens[prev].Text)
		}

		if src.Tokens[prev].IsWord("DISTINCT", "ALL") {
			prev = src.PrevSignificant(prev)
		}

		if dml == "" && (prev < 0 || !src.Tokens[prev].IsWord("SELECT")) {
			continue
		}

		next := src.NextSignificant(i)
		if next < 0 {
			continue
		}

		clause := topClause{top: i, reasonAt: i}

		switch {
		case src.Tokens[next].Kind == TokenNumber:
			clause.count = src.Tokens[next].Text
			clause.countEnd = next
		case src.Tokens[next].IsPunct("("):
			inner := src.NextSignificant(next)
			closing := -1

			if inner >= 0 {
				closing = src.NextSignificant(inner)
			}

			if inner >= 0 && src.Tokens[inner].Kind == TokenNumber &&
				closing >= 0 && src.Tokens[closing].IsPunct(")") {
				clause.count = src.Tokens[inner].Text
				clause.countEnd = closing
			} else {
				clause.countEnd = next
				clause.reason = "TOP with a non-literal row count"
			}
		default:
			continue
		}

		if dml != "" {
			clause.reason = "TOP in " + dml
		}

		if clause.reason == "" && strings.ContainsAny(clause.count, ".eE") {
			clause.reason = "TOP with a fractional row count"
		}

		if after := src.NextSignificant(clause.countEnd); clause.reason == "" && after >= 0 {
			switch {
			case src.Tokens[after].IsWord("PERCENT"):
				clause.reason = "TOP ... PERCENT"
				clause.reasonAt = after
			case src.Tokens[after].IsWord("WITH"):
				if ties := src.NextSignificant(after); ties >= 0 && src.Tokens[ties].IsWord("TIES") {
					clause.reason = "TOP ... WITH TIES"
					clause.reasonAt = after
				}
			}
		}

		clauses = append(clauses, clause)
	}

	return clauses
}
