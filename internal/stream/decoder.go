// Package stream implements incremental decoding of structured output from
// model token streams.
//
// Models asked for "pure JSON" emit it in fragments, frequently wrapped in
// markdown code fences, and the accumulated text is invalid JSON until the
// closing brace arrives. Decoder treats parse failure as steady state, not as
// an error: it accumulates fragments, re-attempts a clean-parse-validate pass
// on every fragment, and surfaces each successful parse as a partial value.
// A later partial supersedes the previous one (replace semantics).
package stream

import (
	"encoding/json"
	"regexp"
	"strings"
)

// fenceRE matches markdown code fence markers the model may wrap JSON in.
var fenceRE = regexp.MustCompile("```json\n?|```\n?")

// Clean strips markdown code fences and surrounding whitespace from
// accumulated model output.
func Clean(s string) string {
	return strings.TrimSpace(fenceRE.ReplaceAllString(s, ""))
}

// Decoder accumulates text fragments and re-attempts JSON decoding of the
// whole accumulated text on each fragment. T is the target shape; validate
// enforces its structural rules (required fields, length bounds, cardinality).
//
// Decoder is not safe for concurrent use; one stream feeds one decoder.
type Decoder[T any] struct {
	buf      strings.Builder
	validate func(T) error
	last     T
	hasLast  bool
}

// NewDecoder creates a Decoder for shape T. validate may be nil, in which
// case any successfully parsed value is accepted.
func NewDecoder[T any](validate func(T) error) *Decoder[T] {
	return &Decoder[T]{validate: validate}
}

// Feed appends one fragment (possibly empty) and attempts a parse of the
// accumulated text. It returns the parsed value and true when the
// accumulated text currently decodes to a valid T; otherwise the zero value
// and false. A false return is the expected mid-stream condition, never an
// error.
func (d *Decoder[T]) Feed(fragment string) (T, bool) {
	d.buf.WriteString(fragment)
	return d.attempt(d.buf.String())
}

// Last returns the most recent valid partial, if any.
func (d *Decoder[T]) Last() (T, bool) {
	return d.last, d.hasLast
}

// Text returns the raw accumulated text.
func (d *Decoder[T]) Text() string {
	return d.buf.String()
}

// Final performs the end-of-stream resolution over fullText, using the same
// cleaning and validation rules as Feed. When fullText is empty the
// accumulated text is used instead (the producer may not hand back the full
// response separately). If the text does not decode to a valid T, Final
// returns fallback: a cosmetically malformed but complete generation must
// not abort the calling pipeline.
func (d *Decoder[T]) Final(fullText string, fallback T) T {
	text := fullText
	if text == "" {
		text = d.buf.String()
	}
	if v, ok := d.attempt(text); ok {
		return v
	}
	return fallback
}

// attempt runs one clean-parse-validate pass.
func (d *Decoder[T]) attempt(raw string) (T, bool) {
	var zero T

	text := Clean(raw)
	if text == "" {
		return zero, false
	}

	var v T
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return zero, false
	}
	if d.validate != nil {
		if err := d.validate(v); err != nil {
			return zero, false
		}
	}

	d.last = v
	d.hasLast = true
	return v, true
}
