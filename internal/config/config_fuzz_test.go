package config

import (
	"os"
	"strconv"
	"strings"
	"testing"
)

// FuzzServerEntryTOML feeds random-ish fields into a tiny TOML and ensures
// the loader does not panic.
func FuzzServerEntryTOML(f *testing.F) {
	f.Add("race", "/srv/race", "exit", 100) // name, path, stop command, capacity
	f.Add("", "", "", -1)

	f.Fuzz(func(t *testing.T, name, path, stop string, capacity int) {
		clean := func(s string) string {
			s = strings.ReplaceAll(s, "\"", "")
			s = strings.ReplaceAll(s, "\\", "")
			return strings.ReplaceAll(s, "\n", "")
		}
		b := strings.Builder{}
		b.WriteString("[console]\ncapacity = ")
		b.WriteString(strconv.Itoa(capacity))
		b.WriteString("\n[[servers]]\n")
		b.WriteString("name = \"" + clean(name) + "\"\n")
		b.WriteString("path = \"" + clean(path) + "\"\n")
		b.WriteString("stop_command = \"" + clean(stop) + "\"\n")

		tmp := t.TempDir() + "/fuzz.toml"
		if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
			t.Skip()
		}
		c, err := Load(tmp) // must not panic
		if err == nil && strings.TrimSpace(c.Servers[0].Path) == "" {
			t.Fatalf("empty path accepted")
		}
	})
}
