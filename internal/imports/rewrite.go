// Package imports rewrites the static import specifiers of a transformed
// module from root-absolute local paths to paths relative to the module's
// own destination, which is all the remote runtime can resolve.
package imports

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/Mschirtzinger/burnsync/internal/location"
	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/js"
)

// Lookup maps a local file to its destination filename on one server.
type Lookup interface {
	ResolveByServer(file, server string) (string, bool)
}

// Options configures one Rewrite.
type Options struct {
	// Own is the local path of the module being rewritten.
	Own string
	// Server is the destination server.
	Server string
	// OwnFilename is the filename Own is uploaded as on Server. Empty
	// takes Own's first destination on Server.
	OwnFilename string
	// Resolver maps imported files to their destinations.
	Resolver Lookup
}

// Result is the rewritten module.
type Result struct {
	Code string
	// Unresolved lists root-absolute specifiers with no destination on
	// the server. They are left untouched.
	Unresolved []string
}

// specifier is a string literal naming a module, quotes included.
type specifier struct {
	start, end int
	quote      byte
	value      string
}

// Rewrite replaces every root-absolute static import or re-export
// specifier in code. Only specifier text changes; every other byte is kept.
// Dynamic import() and import.meta are left alone.
func Rewrite(code string, opts Options) (Result, error) {
	specs, err := scan(code)
	if err != nil {
		return Result{Code: code}, err
	}

	own := opts.OwnFilename
	if own == "" {
		own = opts.Own
		if opts.Resolver != nil {
			if dest, ok := opts.Resolver.ResolveByServer(opts.Own, opts.Server); ok {
				own = dest
			}
		}
	}
	ownDir := filepath.Dir(location.RemoveStartingSlash(own))

	var (
		b          strings.Builder
		last       int
		unresolved []string
	)
	for _, s := range specs {
		if !strings.HasPrefix(s.value, "/") {
			continue
		}
		var dest string
		var ok bool
		if opts.Resolver != nil {
			dest, ok = opts.Resolver.ResolveByServer(location.RemoveStartingSlash(s.value), opts.Server)
		}
		if !ok {
			unresolved = append(unresolved, s.value)
			continue
		}

		rel, err := filepath.Rel(ownDir, location.RemoveStartingSlash(dest))
		if err != nil {
			unresolved = append(unresolved, s.value)
			continue
		}
		rel = filepath.ToSlash(rel)
		if !strings.HasPrefix(rel, "..") {
			rel = "./" + rel
		}

		b.WriteString(code[last:s.start])
		b.WriteByte(s.quote)
		b.WriteString(rel)
		b.WriteByte(s.quote)
		last = s.end
	}
	b.WriteString(code[last:])

	return Result{Code: b.String(), Unresolved: unresolved}, nil
}

// Specifiers returns the module specifiers of every static import and
// re-export in code, in source order.
func Specifiers(code string) ([]string, error) {
	specs, err := scan(code)
	if err != nil {
		return nil, err
	}
	values := make([]string, len(specs))
	for i, s := range specs {
		values[i] = s.value
	}
	return values, nil
}

type token struct {
	tt     js.TokenType
	text   []byte
	offset int
}

// scan lexes code and collects the specifiers of import declarations and
// export-from declarations.
func scan(code string) ([]specifier, error) {
	tokens, err := lex(code)
	if err != nil {
		return nil, err
	}

	var specs []specifier
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.tt != js.ImportToken && tok.tt != js.ExportToken {
			continue
		}
		if i > 0 && (tokens[i-1].tt == js.DotToken || tokens[i-1].tt == js.OptChainToken) {
			continue
		}
		if i+1 >= len(tokens) {
			break
		}

		next := tokens[i+1]
		if tok.tt == js.ImportToken {
			switch next.tt {
			case js.OpenParenToken, js.DotToken:
				continue
			case js.StringToken:
				specs = append(specs, newSpecifier(next))
				i++
				continue
			}
		}

		for j := i + 1; j < len(tokens); j++ {
			t := tokens[j]
			if t.tt == js.SemicolonToken || t.tt == js.ImportToken || t.tt == js.ExportToken {
				break
			}
			if string(t.text) == "from" && t.tt != js.StringToken && j+1 < len(tokens) && tokens[j+1].tt == js.StringToken {
				specs = append(specs, newSpecifier(tokens[j+1]))
				i = j + 1
				break
			}
			// Only braces, bindings, commas and '*' may precede "from".
			if tok.tt == js.ExportToken && j == i+1 && t.tt != js.OpenBraceToken && t.tt != js.MulToken {
				break
			}
		}
	}
	return specs, nil
}

func newSpecifier(t token) specifier {
	return specifier{
		start: t.offset,
		end:   t.offset + len(t.text),
		quote: t.text[0],
		value: string(t.text[1 : len(t.text)-1]),
	}
}

// lex returns the significant tokens of code with their byte offsets.
func lex(code string) ([]token, error) {
	l := js.NewLexer(parse.NewInputString(code))

	var (
		tokens []token
		offset int
		prev   js.TokenType = js.ErrorToken
	)
	for {
		start := offset
		tt, text := l.Next()
		if tt == js.ErrorToken {
			if err := l.Err(); err != nil && err != io.EOF {
				return nil, fmt.Errorf("failed to lex module: %w", err)
			}
			return tokens, nil
		}

		if (tt == js.DivToken || tt == js.DivEqToken) && regexpAllowed(prev) {
			tt, text = l.RegExp()
			if tt == js.ErrorToken {
				return nil, fmt.Errorf("failed to lex regular expression: %w", l.Err())
			}
		}
		offset = start + len(text)

		switch tt {
		case js.WhitespaceToken, js.LineTerminatorToken, js.CommentToken, js.CommentLineTerminatorToken:
			continue
		}
		tokens = append(tokens, token{tt: tt, text: text, offset: start})
		prev = tt
	}
}

// regexpAllowed reports whether a '/' following prev starts a regular
// expression rather than a division.
func regexpAllowed(prev js.TokenType) bool {
	switch prev {
	case js.ErrorToken:
		return true
	case js.CloseParenToken, js.CloseBracketToken, js.IncrToken, js.DecrToken:
		return false
	case js.ThisToken, js.SuperToken, js.TrueToken, js.FalseToken, js.NullToken:
		return false
	case js.StringToken, js.RegExpToken, js.TemplateToken, js.TemplateEndToken:
		return false
	}
	if js.IsNumeric(prev) || js.IsIdentifier(prev) || prev == js.PrivateIdentifierToken {
		return false
	}
	return js.IsPunctuator(prev) || js.IsOperator(prev) || js.IsReservedWord(prev) || js.IsIdentifierName(prev)
}
