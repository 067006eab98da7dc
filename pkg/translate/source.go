package translate

import (
	"sort"
	"strings"
)

// snippetRadius is the number of bytes shown on each side of a token in
// error snippets.
const snippetRadius = 24

// Source is query text together with its token stream. Rules inspect a
// Source and return rewritten text; the engine re-tokenizes between rules.
type Source struct {
	Text   string
	Tokens []Token
}

// NewSource tokenizes text.
func NewSource(text string) *Source {
	return &Source{Text: text, Tokens: Tokenize(text)}
}

// NextSignificant returns the index of the first significant token after
// i, or -1.
func (s *Source) NextSignificant(i int) int {
	for j := i + 1; j < len(s.Tokens); j++ {
		if s.Tokens[j].Significant() {
			return j
		}
	}

	return -1
}

// PrevSignificant returns the index of the last significant token before
// i, or -1.
func (s *Source) PrevSignificant(i int) int {
	for j := i - 1; j >= 0; j-- {
		if s.Tokens[j].Significant() {
			return j
		}
	}

	return -1
}

// Depths returns the parenthesis nesting depth of every token. An opening
// paren has the depth of its contents' parent, a closing paren likewise.
func (s *Source) Depths() []int {
	depths := make([]int, len(s.Tokens))
	depth := 0

	for i, tok := range s.Tokens {
		if tok.IsPunct(")") && depth > 0 {
			depth--
		}

		depths[i] = depth

		if tok.IsPunct("(") {
			depth++
		}
	}

	return depths
}

// Snippet returns a single-line excerpt of the text around token i.
func (s *Source) Snippet(i int) string {
	if i < 0 || i >= len(s.Tokens) {
		return ""
	}

	start := max(s.Tokens[i].Start-snippetRadius, 0)
	end := min(s.Tokens[i].End+snippetRadius, len(s.Text))

	return strings.Join(strings.Fields(s.Text[start:end]), " ")
}

// edit replaces Text[start:end] with text. Insertions have start == end.
type edit struct {
	start int
	end   int
	text  string
}

// applyEdits applies non-overlapping edits to text.
func applyEdits(text string, edits []edit) string {
	if len(edits) == 0 {
		return text
	}

	sort.SliceStable(edits, func(i, j int) bool {
		return edits[i].start < edits[j].start
	})

	var b strings.Builder

	b.Grow(len(text) + 16*len(edits))

	last := 0

	for _, e := range edits {
		if e.start < last {
			continue
		}

		b.WriteString(text[last:e.start])
		b.WriteString(e.text)
		last = e.end
	}

	b.WriteString(text[last:])

	return b.String()
}
