package translate

import "strings"

// TokenKind classifies a lexical token.
type TokenKind int

const (
	TokenWhitespace TokenKind = iota
	TokenComment
	TokenWord
	TokenQuotedIdent
	TokenString
	TokenNumber
	TokenVariable
	TokenPunct
)

var tokenKindNames = map[TokenKind]string{
	TokenWhitespace:  "whitespace",
	TokenComment:     "comment",
	TokenWord:        "word",
	TokenQuotedIdent: "quoted-identifier",
	TokenString:      "string",
	TokenNumber:      "number",
	TokenVariable:    "variable",
	TokenPunct:       "punct",
}

func (k TokenKind) String() string {
	if name, ok := tokenKindNames[k]; ok {
		return name
	}

	return "unknown"
}

// Token is a slice of the input with its byte offsets.
type Token struct {
	Kind  TokenKind
	Text  string
	Start int
	End   int
}

// Significant reports whether the token carries syntax (not whitespace or
// a comment).
func (t Token) Significant() bool {
	return t.Kind != TokenWhitespace && t.Kind != TokenComment
}

// IsWord reports whether the token is the given keyword or identifier,
// compared case-insensitively.
func (t Token) IsWord(words ...string) bool {
	if t.Kind != TokenWord {
		return false
	}

	for _, w := range words {
		if strings.EqualFold(t.Text, w) {
			return true
		}
	}

	return false
}

// IsPunct reports whether the token is the given punctuation.
func (t Token) IsPunct(p string) bool {
	return t.Kind == TokenPunct && t.Text == p
}

// Tokenize splits SQL text into tokens covering every input byte.
// Unterminated literals and comments run to the end of input.
func Tokenize(input string) []Token {
	l := &scanner{input: input}
	tokens := make([]Token, 0, len(input)/3+1)

	for l.pos < len(l.input) {
		tokens = append(tokens, l.next())
	}

	return tokens
}

type scanner struct {
	input string
	pos   int
}

func (l *scanner) peek(offset int) byte {
	if l.pos+offset >= len(l.input) {
		return 0
	}

	return l.input[l.pos+offset]
}

func (l *scanner) emit(kind TokenKind, start int) Token {
	return Token{Kind: kind, Text: l.input[start:l.pos], Start: start, End: l.pos}
}

func (l *scanner) next() Token {
	start := l.pos
	ch := l.input[l.pos]

	switch {
	case isSpace(ch):
		for l.pos < len(l.input) && isSpace(l.input[l.pos]) {
			l.pos++
		}

		return l.emit(TokenWhitespace, start)
	case ch == '-' && l.peek(1) == '-':
		for l.pos < len(l.input) && l.input[l.pos] != '\n' {
			l.pos++
		}

		return l.emit(TokenComment, start)
	case ch == '/' && l.peek(1) == '/':
		for l.pos < len(l.input) && l.input[l.pos] != '\n' {
			l.pos++
		}

		return l.emit(TokenComment, start)
	case ch == '/' && l.peek(1) == '*':
		l.pos += 2
		if end := strings.Index(l.input[l.pos:], "*/"); end >= 0 {
			l.pos += end + 2
		} else {
			l.pos = len(l.input)
		}

		return l.emit(TokenComment, start)
	case ch == '\'':
		l.readQuoted('\'')

		return l.emit(TokenString, start)
	case (ch == 'N' || ch == 'n') && l.peek(1) == '\'':
		l.pos++
		l.readQuoted('\'')

		return l.emit(TokenString, start)
	case ch == '$' && l.peek(1) == '$':
		l.pos += 2
		if end := strings.Index(l.input[l.pos:], "$$"); end >= 0 {
			l.pos += end + 2
		} else {
			l.pos = len(l.input)
		}

		return l.emit(TokenString, start)
	case ch == '"':
		l.readQuoted('"')

		return l.emit(TokenQuotedIdent, start)
	case ch == '[':
		l.readBracketed()

		return l.emit(TokenQuotedIdent, start)
	case ch == '@':
		l.pos++
		if l.peek(0) == '@' {
			l.pos++
		}

		l.readIdentTail()

		return l.emit(TokenVariable, start)
	case isDigit(ch) || (ch == '.' && isDigit(l.peek(1))):
		l.readNumber()

		return l.emit(TokenNumber, start)
	case isIdentStart(ch):
		l.pos++
		l.readIdentTail()

		return l.emit(TokenWord, start)
	default:
		l.readPunct()

		return l.emit(TokenPunct, start)
	}
}

// readQuoted consumes a literal delimited by q where a doubled q escapes.
func (l *scanner) readQuoted(q byte) {
	l.pos++

	for l.pos < len(l.input) {
		if l.input[l.pos] == q {
			if l.peek(1) == q {
				l.pos += 2

				continue
			}

			l.pos++

			return
		}

		l.pos++
	}
}

func (l *scanner) readBracketed() {
	l.pos++

	for l.pos < len(l.input) {
		if l.input[l.pos] == ']' {
			if l.peek(1) == ']' {
				l.pos += 2

				continue
			}

			l.pos++

			return
		}

		l.pos++
	}
}

func (l *scanner) readIdentTail() {
	for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
		l.pos++
	}
}

func (l *scanner) readNumber() {
	for l.pos < len(l.input) && (isDigit(l.input[l.pos]) || l.input[l.pos] == '.') {
		l.pos++
	}

	if c := l.peek(0); c == 'e' || c == 'E' {
		offset := 1
		if s := l.peek(1); s == '+' || s == '-' {
			offset = 2
		}

		if isDigit(l.peek(offset)) {
			l.pos += offset
			for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
				l.pos++
			}
		}
	}
}

var twoCharOperators = []string{"<>", "!=", "<=", ">=", "||", "::", "=>"}

func (l *scanner) readPunct() {
	if l.pos+2 <= len(l.input) {
		pair := l.input[l.pos : l.pos+2]
		for _, op := range twoCharOperators {
			if pair == op {
				l.pos += 2

				return
			}
		}
	}

	l.pos++
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '\f' || ch == '\v'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

// isIdentStart accepts ASCII letters, underscore, '#' for temp tables and
// any byte of a multi-byte UTF-8 sequence.
func isIdentStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_' || ch == '#' || ch >= 0x80
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch) || ch == '$'
}
