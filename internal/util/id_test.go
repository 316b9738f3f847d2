package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewIDCarriesPrefix(t *testing.T) {
	id := NewID("clear")
	rest, ok := strings.CutPrefix(id, "clear-")
	if !ok {
		t.Fatalf("NewID(clear) = %q", id)
	}
	if _, err := uuid.Parse(rest); err != nil {
		t.Fatalf("suffix %q is not a uuid: %v", rest, err)
	}
	if NewID("clear") == id {
		t.Fatal("expected distinct ids")
	}
}

func TestNewIDWithoutPrefix(t *testing.T) {
	if got := NewID(""); len(got) != 36 {
		t.Fatalf("NewID(\"\") = %q, want a bare uuid", got)
	}
}
