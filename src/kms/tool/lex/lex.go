// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package lex splits KMS tool input into tokens.
package lex

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/scanner"
	"unicode"
)

// Error is a lexing error and where it happened.
type Error struct {
	Msg string
	scanner.Position
}

func (e *Error) Error() string {
	return fmt.Sprintf("error at %s: %s", e.Position, e.Msg)
}

// Var is a variable reference such as $key.
type Var string

// Str is a byte string: "quoted", h"c0ffee" or a bare word.
type Str string

// Int is an integer literal in any base accepted by strconv.ParseInt.
type Int int64

// End terminates a command: ';' or a newline.
type End rune

// EOF marks the end of the input.
type EOF struct{}

// Token is one lexed token.
type Token struct {
	// Value is a Var, Str, Int, End or EOF.
	Value any
	// Text is the source text of the token.
	Text string
	scanner.Position
}

func (t Token) String() string {
	return t.Text
}

// StringTokens joins the source text of `tokens` with spaces.
func StringTokens(tokens []Token) string {
	texts := make([]string, len(tokens))
	for i, t := range tokens {
		texts[i] = t.Text
	}
	return strings.Join(texts, " ")
}

// Lex produces tokens from a reader.
type Lex struct {
	r    io.Reader
	scan scanner.Scanner
	err  *Error
	// pendingEOL is set when a newline was returned without being consumed.
	pendingEOL bool
}

// New returns a lexer reading from `r`.
func New(r io.Reader) *Lex {
	l := &Lex{r: r}
	l.scan.Init(r)
	l.scan.Error = func(s *scanner.Scanner, msg string) {
		l.err = &Error{msg, s.Pos()}
	}
	l.scan.Mode = scanner.ScanIdents | scanner.ScanInts | scanner.ScanStrings
	l.scan.Whitespace &^= 1 << '\n'
	l.scan.IsIdentRune = isWordRune
	return l
}

// isWordRune accepts $-prefixed names and bare words; words may contain the
// punctuation found in file paths and curve names.
func isWordRune(ch rune, i int) bool {
	switch {
	case ch == '_' || unicode.IsLetter(ch):
		return true
	case i == 0:
		return ch == '$' || ch == '.' || ch == '/'
	}
	return unicode.IsDigit(ch) || strings.ContainsRune("-./", ch)
}

// interactive reports whether the input is a terminal or pipe with nothing
// buffered, in which case a newline must be returned without reading past it.
func (l *Lex) interactive() (bool, error) {
	f, ok := l.r.(*os.File)
	if !ok {
		return false, nil
	}
	st, err := f.Stat()
	if err != nil {
		return false, err
	}
	return st.Size() == 0, nil
}

func (l *Lex) isBlank(ch rune) bool {
	return ch >= 0 && ch < 64 && ch != '\n' && l.scan.Whitespace&(1<<uint(ch)) != 0
}

// skipComment discards a '#' comment up to the end of the line.
func (l *Lex) skipComment() {
	for {
		switch l.scan.Peek() {
		case '\n', scanner.EOF:
			return
		}
		l.scan.Next()
	}
}

// Next returns the next token.
func (l *Lex) Next() (Token, error) {
	if l.pendingEOL {
		l.pendingEOL = false
		l.scan.Next()
	}
	for {
		// Blanks are skipped by hand so that comments and newlines can be
		// peeked.
		for l.isBlank(l.scan.Peek()) {
			l.scan.Next()
		}
		if l.scan.Peek() != '#' {
			break
		}
		l.skipComment()
	}

	if l.scan.Peek() == '\n' {
		live, err := l.interactive()
		if err != nil {
			return Token{}, err
		}
		if live {
			l.pendingEOL = true
			return Token{End('\n'), "\n", l.scan.Pos()}, nil
		}
	}

	l.err = nil
	next := l.scan.Scan()
	if l.err != nil {
		return Token{}, l.err
	}
	tok := Token{Position: l.scan.Position, Text: l.scan.TokenText()}
	switch next {
	case scanner.Ident:
		return l.word(tok)
	case scanner.Int:
		i, err := strconv.ParseInt(tok.Text, 0, 64)
		if err != nil {
			return tok, &Error{err.Error(), tok.Position}
		}
		tok.Value = Int(i)
	case scanner.String:
		s, err := strconv.Unquote(tok.Text)
		if err != nil {
			return tok, &Error{err.Error(), tok.Position}
		}
		tok.Value = Str(s)
	case ';', '\n':
		tok.Value = End(next)
	case scanner.EOF:
		tok.Text = ""
		tok.Value = EOF{}
	default:
		return tok, &Error{fmt.Sprintf("unexpected %q", next), tok.Position}
	}
	return tok, nil
}

// word finishes a bare word, a variable or a hex string.
func (l *Lex) word(tok Token) (Token, error) {
	switch {
	case tok.Text == "h" && l.scan.Peek() == '"':
		if l.scan.Scan() != scanner.String || l.err != nil {
			return tok, &Error{"unterminated hex string", tok.Position}
		}
		tok.Text += l.scan.TokenText()
		digits := strings.ReplaceAll(tok.Text[2:len(tok.Text)-1], " ", "")
		b, err := hex.DecodeString(digits)
		if err != nil {
			return tok, &Error{err.Error(), tok.Position}
		}
		tok.Value = Str(b)
	case tok.Text[0] == '$':
		if len(tok.Text) == 1 {
			return tok, &Error{"empty variable name", tok.Position}
		}
		tok.Value = Var(tok.Text[1:])
	default:
		tok.Value = Str(tok.Text)
	}
	return tok, nil
}
