package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hostbridge/hostbridge/internal/errs"
)

func newResolver(t *testing.T) (*Resolver, string) {
	t.Helper()
	root := t.TempDir()
	r, err := New(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	real, err := filepath.EvalSymlinks(root)
	if err != nil {
		t.Fatal(err)
	}
	return r, real
}

func TestResolveRelativeInsideRoot(t *testing.T) {
	r, root := newResolver(t)
	got, err := r.Resolve("sub/file.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join(root, "sub", "file.txt")
	if got != want {
		t.Fatalf("want %s, got %s", want, got)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	r, _ := newResolver(t)
	_, err := r.Resolve("../../etc/passwd")
	assertSecurity(t, err)
}

func TestResolveRejectsNullByte(t *testing.T) {
	r, _ := newResolver(t)
	_, err := r.Resolve("foo\x00bar")
	assertSecurity(t, err)
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	r, root := newResolver(t)
	outside := t.TempDir()
	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatal(err)
	}
	_, err := r.Resolve("escape/file.txt")
	assertSecurity(t, err)
}

func TestResolveAllowsExistingSymlinkInsideRoot(t *testing.T) {
	r, root := newResolver(t)
	target := filepath.Join(root, "real")
	if err := os.Mkdir(target, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "alias")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}
	got, err := r.Resolve("alias/file.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join(target, "file.txt")
	if got != want {
		t.Fatalf("want %s, got %s", want, got)
	}
}

func TestResolveEmptyPath(t *testing.T) {
	r, _ := newResolver(t)
	_, err := r.Resolve("")
	assertSecurity(t, err)
}

func assertSecurity(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected an error")
	}
	c := errs.Classify(err)
	if c.Kind != errs.KindSecurity {
		t.Fatalf("expected security kind, got %s", c.Kind)
	}
}
