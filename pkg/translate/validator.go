package translate

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// targetLexer accepts the lexical surface of the target dialect. Bracket
// identifiers, @variables and #temp names are not part of it.
var targetLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `(?:--|//)[^\n]*`},
	{Name: "BlockComment", Pattern: `/\*([^*]|\*+[^*/])*\*+/`},
	{Name: "String", Pattern: `'(?:[^']|'')*'`},
	{Name: "DollarString", Pattern: `\$\$(?:[^$]|\$[^$])*\$\$`},
	{Name: "QuotedIdent", Pattern: `"(?:[^"]|"")*"`},
	{Name: "Number", Pattern: `(?:\d+(?:\.\d*)?|\.\d+)(?:[eE][+-]?\d+)?`},
	{Name: "Ident", Pattern: `[\p{L}_][\p{L}\p{N}_$]*`},
	{Name: "Operator", Pattern: `<>|!=|<=|>=|::|\|\||=>|[-+*/%=<>.,:~^&|!?]`},
	{Name: "LParen", Pattern: `\(`},
	{Name: "RParen", Pattern: `\)`},
	{Name: "Semicolon", Pattern: `;`},
	{Name: "Whitespace", Pattern: `\s+`},
})

// script is a ";"-separated list of statements with balanced parens.
type script struct {
	Parts []*scriptPart `@@+`
}

type scriptPart struct {
	Statement *statement `  @@`
	Separator string     `| @Semicolon`
}

type statement struct {
	Lead     *statementLead `@@`
	Elements []*element     `@@*`
}

type statementLead struct {
	Keyword string `  @("SELECT" | "WITH" | "INSERT" | "UPDATE" | "DELETE" | "MERGE" | "CREATE" | "ALTER" | "DROP" | "TRUNCATE" | "SHOW" | "DESCRIBE" | "DESC" | "EXPLAIN" | "VALUES" | "CALL" | "USE" | "SET" | "GRANT" | "REVOKE")`
	Group   *group `| @@`
}

type element struct {
	Group *group `  @@`
	Token string `| @(Ident | Number | String | DollarString | QuotedIdent | Operator)`
}

type group struct {
	Elements []*element `"(" @@* ")"`
}

var targetParser = participle.MustBuild[script](
	participle.Lexer(targetLexer),
	participle.Elide("Whitespace", "Comment", "BlockComment"),
	participle.CaseInsensitive("Ident"),
	participle.UseLookahead(2),
)

// Validator performs an independent syntactic check of translated text:
// it must lex in the target dialect, have balanced parentheses, start each
// statement with a statement keyword and leave no construct any rule would
// still rewrite.
type Validator struct {
	rules []Rule
}

// NewValidator returns a validator that also rejects text any of rules
// still matches.
func NewValidator(rules []Rule) *Validator {
	return &Validator{rules: rules}
}

// Validate returns nil when text passes every check.
func (v *Validator) Validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("empty query")
	}

	if _, err := targetParser.ParseString("query", text); err != nil {
		return fmt.Errorf("parsing target dialect: %w", err)
	}

	src := NewSource(text)

	for _, rule := range v.rules {
		if rule.Matches(src) {
			return fmt.Errorf("residual source construct for rule %s", rule.ID())
		}
	}

	return nil
}
