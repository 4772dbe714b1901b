// Package command turns one received text frame into a Command.
//
// Wire format: <verb>[ <numeric-argument>], UTF-8, optionally padded with NUL, CR or LF by
// the radio stack.
package command

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
)

type Command struct {
	Verb     string
	Argument float64
	// HasArgument is false when no second token was sent or it was not a number.
	HasArgument bool
}

// ArgumentOr returns the argument, or def when there is none.
func (c Command) ArgumentOr(def float64) float64 {
	if !c.HasArgument {
		return def
	}
	return c.Argument
}

func (c Command) String() string {
	if !c.HasArgument {
		return c.Verb
	}
	return fmt.Sprintf("%s %g", c.Verb, c.Argument)
}

type ParseErrorKind int

const (
	Encoding ParseErrorKind = iota
	Empty
)

func (k ParseErrorKind) String() string {
	if k == Encoding {
		return "encoding"
	}
	return "empty"
}

type ParseError struct {
	Kind ParseErrorKind
	Raw  []byte
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse command %q: %s", e.Raw, e.Kind)
}

func isPadding(r rune) bool {
	return r == 0 || unicode.IsSpace(r)
}

// Parse decodes raw into a Command. Only undecodable or empty input is an error; an argument
// that is not a number is dropped and the verb still comes back.
func Parse(raw []byte) (Command, error) {
	if !utf8.Valid(raw) {
		return Command{}, &ParseError{Kind: Encoding, Raw: raw}
	}
	text := strings.TrimFunc(string(raw), isPadding)
	tokens := strings.FieldsFunc(text, isPadding)
	if len(tokens) == 0 {
		return Command{}, &ParseError{Kind: Empty, Raw: raw}
	}
	cmd := Command{Verb: strings.ToLower(tokens[0])}
	if len(tokens) > 1 {
		// Out-of-range values come back as ±Inf and are kept so they saturate downstream.
		value, err := strconv.ParseFloat(tokens[1], 64)
		if err == nil || errors.Is(err, strconv.ErrRange) {
			cmd.Argument = value
			cmd.HasArgument = true
		}
	}
	return cmd, nil
}
