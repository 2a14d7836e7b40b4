package index

import (
	"context"
	"errors"
	"testing"

	"github.com/quellen-ai/quellen/internal/genai"
	"github.com/quellen-ai/quellen/internal/log"
)

type fakeExtendLLM struct {
	text string
	err  error
}

func (f *fakeExtendLLM) Generate(_ context.Context, _ genai.Request) (*genai.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &genai.Result{Text: f.text}, nil
}

func TestModelExtenderExtend(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    []string
		wantErr bool
	}{
		{
			name: "plain json",
			text: `{"queries": ["how do go channels work", "golang channel semantics"]}`,
			want: []string{"how do go channels work", "golang channel semantics"},
		},
		{
			name: "fenced json",
			text: "```json\n{\"queries\": [\"one\", \"two\"]}\n```",
			want: []string{"one", "two"},
		},
		{
			name: "drops original and blanks",
			text: `{"queries": ["Go Channels", "  ", "buffered channels"]}`,
			want: []string{"buffered channels"},
		},
		{
			name: "caps at three",
			text: `{"queries": ["a1", "a2", "a3", "a4"]}`,
			want: []string{"a1", "a2", "a3"},
		},
		{
			name:    "malformed json",
			text:    "certainly! here are some queries",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, err := NewModelExtender(&fakeExtendLLM{text: tt.text}, "googleai/test", log.NewNop())
			if err != nil {
				t.Fatalf("NewModelExtender: %v", err)
			}
			got, err := ext.Extend(context.Background(), "Go Channels")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Extend: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("query %d: got %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestModelExtenderGenerationFailure(t *testing.T) {
	ext, err := NewModelExtender(&fakeExtendLLM{err: errors.New("quota exceeded")}, "googleai/test", log.NewNop())
	if err != nil {
		t.Fatalf("NewModelExtender: %v", err)
	}
	if _, err := ext.Extend(context.Background(), "anything"); err == nil {
		t.Fatal("expected error, got nil")
	}
}
