package filter

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/edgeflare/pgcollections/pkg/apperr"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokQuotedIdent
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// keyword reports whether an unquoted identifier token is the given keyword.
func (t token) keyword(kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		r, w := utf8.DecodeRuneInString(input[i:])
		switch {
		case unicode.IsSpace(r):
			i += w
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case r == '=':
			toks = append(toks, token{tokOp, "=", i})
			i++
		case r == '!' || r == '<' || r == '>':
			op := string(r)
			if i+1 < len(input) && (input[i+1] == '=' || (r == '<' && input[i+1] == '>')) {
				op = input[i : i+2]
			}
			if op == "!" {
				return nil, syntaxErr(i, "unexpected '!'")
			}
			toks = append(toks, token{tokOp, op, i})
			i += len(op)
		case r == '\'':
			s, n, err := lexString(input, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokString, s, i})
			i += n
		case r == '"':
			end := strings.IndexByte(input[i+1:], '"')
			if end < 0 {
				return nil, syntaxErr(i, "unterminated quoted identifier")
			}
			toks = append(toks, token{tokQuotedIdent, input[i+1 : i+1+end], i})
			i += end + 2
		case isDigit(r) || r == '.' || ((r == '-' || r == '+') && i+1 < len(input) && (isDigit(rune(input[i+1])) || input[i+1] == '.')):
			n := lexNumber(input[i:])
			toks = append(toks, token{tokNumber, input[i : i+n], i})
			i += n
		case r == '_' || unicode.IsLetter(r):
			start := i
			for i < len(input) {
				r, w := utf8.DecodeRuneInString(input[i:])
				if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
					break
				}
				i += w
			}
			toks = append(toks, token{tokIdent, input[start:i], start})
		default:
			return nil, syntaxErr(i, "unexpected character %q", r)
		}
	}
	return append(toks, token{tokEOF, "", len(input)}), nil
}

// lexString reads a single-quoted literal starting at input[start]. A doubled
// quote inside the literal stands for one quote.
func lexString(input string, start int) (string, int, error) {
	var b strings.Builder
	i := start + 1
	for i < len(input) {
		if input[i] == '\'' {
			if i+1 < len(input) && input[i+1] == '\'' {
				b.WriteByte('\'')
				i += 2
				continue
			}
			return b.String(), i - start + 1, nil
		}
		b.WriteByte(input[i])
		i++
	}
	return "", 0, syntaxErr(start, "unterminated string literal")
}

func lexNumber(s string) int {
	i := 0
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		i++
	}
	for i < len(s) && (isDigit(rune(s[i])) || s[i] == '.') {
		i++
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '-' || s[j] == '+') {
			j++
		}
		if j < len(s) && isDigit(rune(s[j])) {
			for j < len(s) && isDigit(rune(s[j])) {
				j++
			}
			i = j
		}
	}
	return i
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func syntaxErr(pos int, format string, args ...any) error {
	args = append([]any{pos}, args...)
	return apperr.New(apperr.KindInvalidFilter, "invalid filter at %d: "+format, args...)
}
