// Package dataset reads the whitespace-separated numeric formats used for PU
// activity maps and spectrum tables.
package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ErrUnexpectedEOF reports a dataset that ends before all declared records.
var ErrUnexpectedEOF = errors.New("unexpected end of dataset")

// ErrNotFinite reports a NaN or infinite value where a real number is required.
var ErrNotFinite = errors.New("value is not finite")

// Tokens yields numeric fields one at a time. Lines whose first non-blank
// character is '#' are treated as comments.
type Tokens struct {
	sc    *bufio.Scanner
	line  int
	field []string
	err   error
}

// NewTokens wraps r.
func NewTokens(r io.Reader) *Tokens {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Tokens{sc: sc}
}

// Line returns the current 1-based line number, for diagnostics.
func (t *Tokens) Line() int { return t.line }

func (t *Tokens) next() (string, error) {
	for len(t.field) == 0 {
		if !t.sc.Scan() {
			if err := t.sc.Err(); err != nil {
				return "", fmt.Errorf("line %d: %w", t.line, err)
			}
			return "", ErrUnexpectedEOF
		}
		t.line++
		text := strings.TrimLeft(t.sc.Text(), " \t")
		if strings.HasPrefix(text, "#") {
			continue
		}
		t.field = splitFields(text)
	}
	tok := t.field[0]
	t.field = t.field[1:]
	return tok, nil
}

// Int reads the next field as an integer.
func (t *Tokens) Int(what string) (int, error) {
	tok, err := t.next()
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", what, err)
	}
	v, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("line %d: %s: %w", t.line, what, err)
	}
	return v, nil
}

// Float reads the next field as a float64.
func (t *Tokens) Float(what string) (float64, error) {
	tok, err := t.next()
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", what, err)
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, fmt.Errorf("line %d: %s: %w", t.line, what, err)
	}
	return v, nil
}

// Finite reads the next field as a float64 and rejects NaN and ±Inf.
func (t *Tokens) Finite(what string) (float64, error) {
	v, err := t.Float(what)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("line %d: %s: %w: %v", t.line, what, ErrNotFinite, v)
	}
	return v, nil
}

// Done reports whether only whitespace and comments remain.
func (t *Tokens) Done() bool {
	_, err := t.next()
	return errors.Is(err, ErrUnexpectedEOF)
}

func splitFields(s string) []string {
	var out []string
	start := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n', ',':
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
		default:
			if start < 0 {
				start = i
			}
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}
