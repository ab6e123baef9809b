package fsutil

import (
	"path/filepath"
	"runtime"
	"testing"
)

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}

	cases := []struct{ in, want string }{
		{"", ""},
		{"/srv/models", "/srv/models"},
		{"~", home},
		{"~/models/llm", filepath.Join(home, "models", "llm")},
		// only a leading tilde is expanded
		{"models/~/x", "models/~/x"},
	}
	for _, c := range cases {
		got, err := ExpandHome(c.in)
		if err != nil {
			t.Fatalf("ExpandHome(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ExpandHome(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLocalPath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"file:///a/b.gguf", "/a/b.gguf"},
		{"/a/b.gguf", "/a/b.gguf"},
		{"relative/model.gguf", "relative/model.gguf"},
		{"", ""},
		{"file://", ""},
		// only the leading scheme is stripped
		{"/x/file:///y", "/x/file:///y"},
	}
	for _, c := range cases {
		if got := LocalPath(c.in); got != c.want {
			t.Fatalf("LocalPath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestPathExists(t *testing.T) {
	dir := t.TempDir()
	if !PathExists(dir) {
		t.Fatalf("expected %s to exist", dir)
	}
	if PathExists(filepath.Join(dir, "missing")) {
		t.Fatalf("expected missing path to not exist")
	}
}
