package deployfiles

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func TestCollect(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "sub"), 0o755)
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644)
	os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("b"), 0o644)

	files, err := Collect(root)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	sort.Strings(files)
	want := []string{"a.txt", filepath.Join("sub", "b.txt")}
	if len(files) != len(want) || files[0] != want[0] || files[1] != want[1] {
		t.Fatalf("Collect = %v, want %v", files, want)
	}
}

func TestCollectRejectsNonDirectory(t *testing.T) {
	root := t.TempDir()
	f := filepath.Join(root, "file.txt")
	os.WriteFile(f, []byte("x"), 0o644)

	if _, err := Collect(f); err == nil {
		t.Fatal("expected error collecting a non-directory")
	}
}

func TestCopyFile(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src.txt")
	body := []byte("hello installer")
	os.WriteFile(src, body, 0o644)

	dst := filepath.Join(root, "out", "dst.txt")
	res, err := CopyFile(context.Background(), src, dst)
	if err != nil {
		t.Fatalf("CopyFile: %v", err)
	}

	want := sha256.Sum256(body)
	if res.SHA256Hex != hex.EncodeToString(want[:]) {
		t.Fatalf("CopyFile sha256 = %s, want %s", res.SHA256Hex, hex.EncodeToString(want[:]))
	}
	if res.BytesWritten != int64(len(body)) {
		t.Fatalf("CopyFile bytes = %d, want %d", res.BytesWritten, len(body))
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("dst content = %q, want %q", got, body)
	}
}

func TestCopyFileMissingSource(t *testing.T) {
	root := t.TempDir()
	_, err := CopyFile(context.Background(), filepath.Join(root, "nope.txt"), filepath.Join(root, "out.txt"))
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestTimeout(t *testing.T) {
	if got := Timeout(0); got != 60*time.Second {
		t.Errorf("Timeout(0) = %v, want 60s", got)
	}
	if got := Timeout(100 * 1024 * 1024); got != 160*time.Second {
		t.Errorf("Timeout(100MiB) = %v, want 160s", got)
	}
	if got := Timeout(10000 * 1024 * 1024); got != 600*time.Second {
		t.Errorf("Timeout(10000MiB) = %v, want capped at 600s", got)
	}
}

func TestIsTransient(t *testing.T) {
	if !isTransient(errors.New("file is busy")) {
		t.Error("expected busy to be transient")
	}
	if !isTransient(errors.New("Access Denied")) {
		t.Error("expected access denied to be transient (case-insensitive)")
	}
	if isTransient(errors.New("no such file or directory")) {
		t.Error("expected missing file to be non-transient")
	}
}
