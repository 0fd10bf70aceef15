package server

import (
	"strings"
	"testing"
)

// FuzzIsSafeName checks name validation never panics and rejects traversal.
func FuzzIsSafeName(f *testing.F) {
	f.Add("webserver")
	f.Add("")
	f.Add("..")
	f.Add("../etc/passwd")
	f.Add("name\\with\\backslash")
	f.Add("unicode한글name")
	f.Add("name\x00null")

	f.Fuzz(func(t *testing.T, name string) {
		ok := isSafeName(name)
		if !ok {
			return
		}
		if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, "/\\\x00") {
			t.Fatalf("unsafe name accepted: %q", name)
		}
	})
}

// FuzzSanitizeBase checks the result is empty or a rooted path without a
// trailing slash.
func FuzzSanitizeBase(f *testing.F) {
	f.Add("")
	f.Add("/")
	f.Add("api/")
	f.Add("  /v1/api//  ")

	f.Fuzz(func(t *testing.T, in string) {
		out := sanitizeBase(in)
		if out == "" {
			return
		}
		if !strings.HasPrefix(out, "/") || strings.HasSuffix(out, "/") {
			t.Fatalf("sanitizeBase(%q)=%q", in, out)
		}
	})
}
