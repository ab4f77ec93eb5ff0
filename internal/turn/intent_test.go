package turn

import (
	"context"
	"errors"
	"testing"

	oraclemock "github.com/arkhamlabs/keeperd/pkg/oracle/mock"
)

func TestParseClassifiesInput(t *testing.T) {
	t.Parallel()

	o := &oraclemock.Oracle{Responses: []string{
		`{"intent":"use","target":"iron box","topic":"","target_location_id":0,"skill_check_request":[]}`,
	}}
	p := NewParser(o, testMetrics(t))

	got := p.Parse(context.Background(), "我试着打开铁盒",
		[]VisibleEntity{{ID: "caretaker", Name: "Caretaker"}},
		[]VisibleEntity{{ID: "iron_box", Name: "iron box"}},
	)

	if got.Intent != IntentUse {
		t.Fatalf("want intent use, got %q", got.Intent)
	}
	if got.Target != "iron_box" {
		t.Fatalf("want normalized target iron_box, got %q", got.Target)
	}
	if got.RawText != "我试着打开铁盒" {
		t.Fatalf("raw text not preserved: %q", got.RawText)
	}
	if len(o.Calls) != 1 {
		t.Fatalf("want 1 oracle call, got %d", len(o.Calls))
	}
}

func TestParseDegradesToUnknown(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		oracle *oraclemock.Oracle
	}{
		{"oracle error", &oraclemock.Oracle{Err: errors.New("boom")}},
		{"invalid json", &oraclemock.Oracle{Responses: []string{"I cannot comply"}}},
		{"out of enum", &oraclemock.Oracle{Responses: []string{`{"intent":"fly"}`}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := NewParser(tc.oracle, testMetrics(t))
			got := p.Parse(context.Background(), "input", nil, nil)
			if got.Intent != IntentUnknown {
				t.Fatalf("want unknown intent, got %q", got.Intent)
			}
			if got.RawText != "input" {
				t.Fatalf("want raw text carried, got %q", got.RawText)
			}
		})
	}
}

func TestNormalizeTarget(t *testing.T) {
	t.Parallel()

	entities := []VisibleEntity{
		{ID: "caretaker", Name: "Caretaker"},
		{ID: "iron_box", Name: "iron box"},
	}

	cases := []struct {
		name, in, want string
	}{
		{"empty", "", ""},
		{"exact id", "iron_box", "iron_box"},
		{"case-insensitive name", "CARETAKER", "caretaker"},
		{"fuzzy misspelling", "caretakr", "caretaker"},
		{"phonetic variant", "karetaker", "caretaker"},
		{"unmatched passthrough", "banana", "banana"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeTarget(tc.in, entities); got != tc.want {
				t.Fatalf("NormalizeTarget(%q): want %q, got %q", tc.in, tc.want, got)
			}
		})
	}
}
