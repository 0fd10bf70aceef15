package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// FuzzServiceConfigTOML feeds random-ish service fields into a tiny TOML and
// ensures the loader never panics and only accepts known services.
func FuzzServiceConfigTOML(f *testing.F) {
	f.Add("webserver", "sleep 1", 8000, "")
	f.Add("calc", "true", -1, "/tmp/x.pid")
	f.Add("EXTRACT", "", 70000, "")

	f.Fuzz(func(t *testing.T, name, cmd string, port int, pidfile string) {
		clean := func(s string) string {
			return strings.NewReplacer("\"", "", "\\", "", "\n", "", "\r", "").Replace(s)
		}
		var b strings.Builder
		b.WriteString("[[services]]\n")
		b.WriteString("name = \"" + clean(name) + "\"\n")
		b.WriteString("command = \"" + clean(cmd) + "\"\n")
		b.WriteString("port = " + strconv.Itoa(port) + "\n")
		if pidfile != "" {
			b.WriteString("pidfile = \"" + clean(pidfile) + "\"\n")
		}
		p := filepath.Join(t.TempDir(), "f.toml")
		if err := os.WriteFile(p, []byte(b.String()), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		c, err := Load(p)
		if err != nil {
			return
		}
		for n := range c.ProcessSpecs() {
			if !strings.EqualFold(string(n), strings.TrimSpace(clean(name))) {
				t.Fatalf("accepted service %q from name %q", n, name)
			}
		}
		for _, p := range c.Ports() {
			if p <= 0 || p > 65535 {
				t.Fatalf("invalid port %d accepted", p)
			}
		}
	})
}
