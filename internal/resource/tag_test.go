package resource

import (
	"errors"
	"fmt"
	"testing"
)

func TestTagIgnoresKeyOrderAndWhitespace(t *testing.T) {
	a, err := Tag("bin", []byte(`{"capacity_litres":1100,"site_id":"s-1"}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Tag("bin", []byte("{ \"site_id\": \"s-1\",\n \"capacity_litres\": 1100 }"))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("same content produced different tags: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("unexpected tag length %d", len(a))
	}
}

func TestTagChangesWithContentAndKind(t *testing.T) {
	base, _ := Tag("bin", []byte(`{"capacity_litres":1100}`))
	changed, _ := Tag("bin", []byte(`{"capacity_litres":240}`))
	otherKind, _ := Tag("order", []byte(`{"capacity_litres":1100}`))
	if base == changed {
		t.Fatal("field change must change the tag")
	}
	if base == otherKind {
		t.Fatal("kind must be part of the tag")
	}
}

func TestTagKeepsNumberPrecision(t *testing.T) {
	a, _ := Tag("bin", []byte(`{"n":9007199254740993}`))
	b, _ := Tag("bin", []byte(`{"n":9007199254740992}`))
	if a == b {
		t.Fatal("large integers collapsed to the same tag")
	}
}

func TestTagRejectsNonObjects(t *testing.T) {
	for _, in := range []string{``, `[]`, `"x"`, `{`} {
		if _, err := Tag("bin", []byte(in)); !errors.Is(err, ErrInvalidData) {
			t.Fatalf("Tag(%q) err=%v, want ErrInvalidData", in, err)
		}
	}
}

func TestParseETag(t *testing.T) {
	cases := map[string]string{
		`"abc"`:   "abc",
		`W/"abc"`: "abc",
		` abc `:   "abc",
		``:        "",
	}
	for in, want := range cases {
		if got := ParseETag(in); got != want {
			t.Fatalf("ParseETag(%q)=%q, want %q", in, got, want)
		}
	}
	if FormatETag("abc") != `"abc"` || FormatETag("") != "" {
		t.Fatal("FormatETag mismatch")
	}
}

func TestStaleVersionErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("update: %w", &StaleVersionError{Current: "t2"})
	if !errors.Is(err, ErrStaleVersion) {
		t.Fatal("expected errors.Is to match ErrStaleVersion")
	}
	var sv *StaleVersionError
	if !errors.As(err, &sv) || sv.Current != "t2" {
		t.Fatalf("expected current tag t2, got %+v", sv)
	}
}
