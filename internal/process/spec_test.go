package process

import (
	"path/filepath"
	"runtime"
	"testing"
)

func TestExecutablePath(t *testing.T) {
	dir := t.TempDir()
	if got, want := (Spec{WorkDir: dir}).ExecutablePath(), filepath.Join(dir, DefaultExecutable()); got != want {
		t.Fatalf("default = %q, want %q", got, want)
	}
	if got, want := (Spec{WorkDir: dir, Executable: "srv"}).ExecutablePath(), filepath.Join(dir, "srv"); got != want {
		t.Fatalf("relative = %q, want %q", got, want)
	}
	abs := filepath.Join(t.TempDir(), "bin")
	if got := (Spec{WorkDir: dir, Executable: abs}).ExecutablePath(); got != abs {
		t.Fatalf("absolute = %q, want %q", got, abs)
	}
}

func TestDefaultExecutableSuffix(t *testing.T) {
	want := "BeamMP-Server"
	if runtime.GOOS == "windows" {
		want += ".exe"
	}
	if got := DefaultExecutable(); got != want {
		t.Fatalf("DefaultExecutable = %q, want %q", got, want)
	}
}

func FuzzSpecValidate(f *testing.F) {
	f.Add("/srv/a", "BeamMP-Server")
	f.Add("", "x")
	f.Add("dir", "bad\nname")
	f.Fuzz(func(t *testing.T, dir, exe string) {
		_ = Spec{WorkDir: dir, Executable: exe}.Validate()
		_ = Spec{WorkDir: dir, Executable: exe}.ExecutablePath()
	})
}
