package identifier

import "testing"

func TestClassifyVersioned(t *testing.T) {
	cases := []struct {
		in   string
		base string
		ver  int64
	}{
		{"backend-dev-val-001-v1", "backend-dev-val-001", 1},
		{"qa-story-12-v42", "qa-story-12", 42},
		{"a-v1", "a", 1},
		{"x-v10", "x", 10},
		{"worker-v9007199254740993", "worker", 9007199254740993},
	}
	for _, c := range cases {
		got := Classify(c.in)
		if got.Kind != Versioned {
			t.Fatalf("Classify(%q) = %v, want versioned", c.in, got.Kind)
		}
		if got.BaseName != c.base || got.Version != c.ver {
			t.Fatalf("Classify(%q) = {%q %d}, want {%q %d}", c.in, got.BaseName, got.Version, c.base, c.ver)
		}
	}
}

func TestClassifyUnversioned(t *testing.T) {
	cases := []string{
		"",
		"backend-dev",
		"john-doe",
		"some-random-name",
		"backend-dev-v0",   // versions start at 1
		"backend-dev-v01",  // leading zero
		"backend-dev-v",    // no digits
		"backend-dev-v1a",  // trailing junk
		"backend-dev-v1.2", // not an integer
		"-v1",              // empty base name
		"v1",               // no hyphen before the suffix
	}
	for _, c := range cases {
		if got := Classify(c); got.Kind != Unversioned {
			t.Fatalf("Classify(%q) = %+v, want unversioned", c, got)
		}
	}
}

func TestClassifyUsesLastSuffix(t *testing.T) {
	got := Classify("api-v2-gateway-v3")
	if got.Kind != Versioned || got.BaseName != "api-v2-gateway" || got.Version != 3 {
		t.Fatalf("Classify(api-v2-gateway-v3) = %+v", got)
	}
}

func TestClassifyOverflowIsUnversioned(t *testing.T) {
	if got := Classify("worker-v99999999999999999999"); got.Kind != Unversioned {
		t.Fatalf("expected overflow to fall out of grammar, got %+v", got)
	}
}
