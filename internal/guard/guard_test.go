package guard_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/calder/remedy/internal/errstore"
	"github.com/calder/remedy/internal/guard"
)

func newGuard(t *testing.T) (*guard.Guard, string) {
	t.Helper()
	root := t.TempDir()
	g, err := guard.New(root, nil)
	if err != nil {
		t.Fatalf("guard.New: %v", err)
	}
	// TempDir may sit behind a symlink (e.g. /tmp on macOS); use the
	// guard's canonical view of the root for fixtures.
	return g, g.Context().ProjectRoot
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestNewRejectsNonDirectoryRoot(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	writeFile(t, file, "x")
	if _, err := guard.New(file, nil); err == nil {
		t.Fatal("guard.New accepted a file as project root")
	}
}

func TestNewCreatesMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "fresh", "project")
	g, err := guard.New(root, nil)
	if err != nil {
		t.Fatalf("guard.New: %v", err)
	}
	if info, err := os.Stat(g.Context().ProjectRoot); err != nil || !info.IsDir() {
		t.Fatalf("root not created: %v", err)
	}
}

func TestValidateReadInsideRoot(t *testing.T) {
	g, root := newGuard(t)
	target := filepath.Join(root, "main.go")
	writeFile(t, target, "package main\n")

	if !g.Validate("read", target) {
		t.Fatal("read denied for existing in-root file")
	}
}

func TestValidateReadOutsideRoot(t *testing.T) {
	g, _ := newGuard(t)
	outside := filepath.Join(t.TempDir(), "outside.go")
	writeFile(t, outside, "x")

	if g.Validate("read", outside) {
		t.Fatal("read allowed for path outside project root")
	}
}

func TestValidateReadMissingFile(t *testing.T) {
	g, root := newGuard(t)
	if g.Validate("read", filepath.Join(root, "nope.go")) {
		t.Fatal("read allowed for missing file")
	}
}

func TestValidateWriteUnwritableParent(t *testing.T) {
	g, root := newGuard(t)
	locked := filepath.Join(root, "locked")
	if err := os.Mkdir(locked, 0o500); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	if g.Validate("write", filepath.Join(locked, "new.go")) {
		t.Fatal("write allowed with read-only parent")
	}
}

func TestValidateWriteNewFile(t *testing.T) {
	g, root := newGuard(t)
	if !g.Validate("write", filepath.Join(root, "new.go")) {
		t.Fatal("write denied for new file under writable root")
	}
}

func TestValidateUnknownOperation(t *testing.T) {
	g, root := newGuard(t)
	target := filepath.Join(root, "main.go")
	writeFile(t, target, "x")
	if g.Validate("launch", target) {
		t.Fatal("unknown operation allowed")
	}
}

func TestValidateDelete(t *testing.T) {
	g, root := newGuard(t)
	target := filepath.Join(root, "old.go")
	writeFile(t, target, "x")
	if !g.Validate("delete", target) {
		t.Fatal("delete denied for existing file")
	}
	if g.Validate("delete", filepath.Join(root, "missing.go")) {
		t.Fatal("delete allowed for missing file")
	}
}

func TestValidateExecute(t *testing.T) {
	g, root := newGuard(t)
	script := filepath.Join(root, "run.sh")
	writeFile(t, script, "#!/bin/sh\n")
	if g.Validate("execute", script) {
		t.Fatal("execute allowed without executable bit")
	}
	if err := os.Chmod(script, 0o755); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if !g.Validate("execute", script) {
		t.Fatal("execute denied for executable file")
	}
}

func TestIsAllowedExclusions(t *testing.T) {
	g, root := newGuard(t)
	cases := []string{
		filepath.Join(root, ".git", "config"),
		filepath.Join(root, "node_modules", "pkg", "index.js"),
		filepath.Join(root, "__pycache__", "mod.pyc"),
		filepath.Join(root, "vendor", "dep", "dep.go"),
		filepath.Join(root, "cache.tmp"),
	}
	for _, path := range cases {
		writeFile(t, path, "x")
		if g.IsAllowed(path) {
			t.Errorf("excluded path allowed: %s", path)
		}
	}
	ok := filepath.Join(root, "src", "main.go")
	writeFile(t, ok, "x")
	if !g.IsAllowed(ok) {
		t.Errorf("plain source path denied: %s", ok)
	}
}

func TestSymlinkEscapeDenied(t *testing.T) {
	g, root := newGuard(t)
	outside := t.TempDir()
	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}
	if g.IsAllowed(filepath.Join(link, "file.go")) {
		t.Fatal("symlink escape allowed")
	}
}

func TestListProjectFiles(t *testing.T) {
	g, root := newGuard(t)
	writeFile(t, filepath.Join(root, "a.go"), "x")
	writeFile(t, filepath.Join(root, "sub", "b.go"), "x")
	writeFile(t, filepath.Join(root, ".git", "config"), "x")
	writeFile(t, filepath.Join(root, "node_modules", "c.js"), "x")

	files := g.ListProjectFiles()
	if len(files) != 2 {
		t.Fatalf("ListProjectFiles returned %d files: %v", len(files), files)
	}
}

func TestVerifyFix(t *testing.T) {
	g, root := newGuard(t)
	target := filepath.Join(root, "main.go")
	writeFile(t, target, "package main\n")
	e := &errstore.Error{ID: "e1", FilePath: target, LineNumber: 1, ErrorType: "SyntaxError"}

	if !g.VerifyFix(e, "fmt.Println(\"fixed\")\n") {
		t.Fatal("benign fix rejected")
	}

	dangerous := []string{
		"eval(user_input)",
		"os.system('ls')",
		"subprocess.run(cmd)",
		"exec.Command(\"sh\", \"-c\", cmd)",
		"os.RemoveAll(root)",
		"# cleanup\nrm -rf /",
	}
	for _, content := range dangerous {
		if g.VerifyFix(e, content) {
			t.Errorf("dangerous fix accepted: %q", content)
		}
	}

	outside := &errstore.Error{ID: "e2", FilePath: "/etc/passwd", LineNumber: 1}
	if g.VerifyFix(outside, "harmless") {
		t.Fatal("fix for out-of-root target accepted")
	}
}

func TestScanProject(t *testing.T) {
	g, root := newGuard(t)
	writeFile(t, filepath.Join(root, "clean.py"), "x = 1\n")
	writeFile(t, filepath.Join(root, "risky.py"), "os.system('ls')\n")
	writeFile(t, filepath.Join(root, "worse.py"), "eval(data)\nos.system('ls')\n")

	score, vulnerable := g.ScanProject()
	// A file counts once no matter how many constructs it holds.
	if vulnerable != 2 {
		t.Fatalf("vulnerable = %d, want 2", vulnerable)
	}
	if score != 80 {
		t.Fatalf("score = %d, want 80", score)
	}
}

func TestTokenConstantTimeCompare(t *testing.T) {
	g, _ := newGuard(t)
	ctx := g.Context()
	if !ctx.VerifyToken(ctx.Token) {
		t.Fatal("own token rejected")
	}
	if ctx.VerifyToken("wrong") {
		t.Fatal("wrong token accepted")
	}
	if len(ctx.Token) != 64 {
		t.Fatalf("token length = %d, want 64 hex chars", len(ctx.Token))
	}
}
