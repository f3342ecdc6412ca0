package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Mail naar sam@example.com of bel +31 (06) 123-98765 en gebruik 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIIMasksIBAN(t *testing.T) {
	out, changed := RedactPII("mijn rekening is NL91 ABNA 0417 1643 00 dank u")
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if !strings.Contains(out, "[REDACTED_IBAN]") {
		t.Fatalf("output missing IBAN marker: %q", out)
	}
	if strings.Contains(out, "0417") {
		t.Fatalf("account digits leaked: %q", out)
	}
}

func TestRedactPIILeavesPlainText(t *testing.T) {
	in := "Nog een fijne dag verder!"
	out, changed := RedactPII(in)
	if changed || out != in {
		t.Fatalf("RedactPII(%q) = %q, %v; want unchanged", in, out, changed)
	}
}
