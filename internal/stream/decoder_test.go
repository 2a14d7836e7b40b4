package stream

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

type tagList struct {
	Tags []struct {
		Name string `json:"name"`
	} `json:"tags"`
}

func validateTagList(v tagList) error {
	if v.Tags == nil {
		return errors.New("tags field is required")
	}
	for _, tag := range v.Tags {
		if len(tag.Name) < 2 || len(tag.Name) > 32 {
			return fmt.Errorf("tag name %q out of bounds", tag.Name)
		}
	}
	return nil
}

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain json", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding whitespace", "  {\"a\":1}\n\n", `{"a":1}`},
		{"fence without newline", "```json{\"a\":1}```", `{"a":1}`},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.in); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDecoder_SplitFragments(t *testing.T) {
	// The closing fragment completes the JSON: zero partials before, one after.
	d := NewDecoder(validateTagList)

	if _, ok := d.Feed(`{"tags":[{"na`); ok {
		t.Fatal("incomplete JSON must not yield a partial")
	}

	got, ok := d.Feed(`me":"physics"}]}`)
	if !ok {
		t.Fatal("completed JSON must yield a partial")
	}
	if len(got.Tags) != 1 || got.Tags[0].Name != "physics" {
		t.Errorf("unexpected partial: %+v", got)
	}
}

func TestDecoder_ReplaceSemantics(t *testing.T) {
	type payload struct {
		Response string `json:"response"`
	}
	d := NewDecoder[payload](nil)

	first, ok := d.Feed(`{"response":"qu"}`)
	if !ok {
		t.Fatal("first fragment should parse")
	}

	// The stream rewrites the whole object; the decoder must replace, not
	// merge. (A real model re-emits the full JSON each time it grows.)
	d2 := NewDecoder[payload](nil)
	d2.Feed(`{"response":"qu`)
	second, ok := d2.Feed(`antum"}`)
	if !ok {
		t.Fatal("completed fragment should parse")
	}
	if second.Response != "quantum" {
		t.Errorf("got %q, want %q", second.Response, "quantum")
	}
	if first.Response != "qu" {
		t.Errorf("first value mutated: %q", first.Response)
	}

	last, ok := d2.Last()
	if !ok || last.Response != "quantum" {
		t.Errorf("Last() = %+v, %v", last, ok)
	}
}

func TestDecoder_ValidationRejectsPartial(t *testing.T) {
	d := NewDecoder(validateTagList)

	// Valid JSON but out-of-bounds tag name: swallowed, not surfaced.
	if _, ok := d.Feed(`{"tags":[{"name":"x"}]}`); ok {
		t.Error("validation failure must suppress the partial")
	}
}

func TestDecoder_EmptyFragments(t *testing.T) {
	d := NewDecoder(validateTagList)

	if _, ok := d.Feed(""); ok {
		t.Error("empty accumulator must not yield a partial")
	}
	d.Feed(`{"tags":[`)
	d.Feed("")
	got, ok := d.Feed(`{"name":"go"}]}`)
	if !ok || got.Tags[0].Name != "go" {
		t.Errorf("Feed() = %+v, %v", got, ok)
	}
}

func TestDecoder_FinalEqualsDirectParse(t *testing.T) {
	// Property: incremental decoding loses nothing versus parsing the full
	// concatenation directly.
	fragments := []string{`{"ta`, `gs":[{"name":"ph`, `ysics"},{"name":"qubits"}]}`}

	d := NewDecoder(validateTagList)
	var full string
	for _, f := range fragments {
		full += f
		d.Feed(f)
	}

	direct := NewDecoder(validateTagList)
	want, ok := direct.Feed(full)
	if !ok {
		t.Fatal("full concatenation should parse directly")
	}

	got := d.Final("", tagList{})
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Final() = %+v, want %+v", got, want)
	}
}

func TestDecoder_FinalFallback(t *testing.T) {
	fallback := tagList{Tags: []struct {
		Name string `json:"name"`
	}{{Name: "general"}}}

	d := NewDecoder(validateTagList)
	d.Feed("I am not JSON at all")
	d.Feed(", still not JSON")

	got := d.Final("", fallback)
	if !reflect.DeepEqual(got, fallback) {
		t.Errorf("Final() = %+v, want fallback %+v", got, fallback)
	}
}

func TestDecoder_FinalPrefersFullText(t *testing.T) {
	// The producer's own final text wins over the accumulated fragments.
	d := NewDecoder(validateTagList)
	d.Feed("garbage mid-stream")

	got := d.Final("```json\n{\"tags\":[{\"name\":\"go\"}]}\n```", tagList{})
	if len(got.Tags) != 1 || got.Tags[0].Name != "go" {
		t.Errorf("Final() = %+v", got)
	}
}

func TestDecoder_NeverErrors(t *testing.T) {
	// Streams that never produce valid JSON resolve to exactly the fallback.
	inputs := []string{"", "{", "[1,", "null", "```json", "plain prose"}
	for _, in := range inputs {
		d := NewDecoder(validateTagList)
		d.Feed(in)
		got := d.Final("", tagList{})
		if got.Tags != nil {
			t.Errorf("input %q: got %+v, want zero fallback", in, got)
		}
	}
}
