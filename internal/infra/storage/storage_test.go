package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"teledrive/internal/infra/storage"
)

func TestAtomicWriteFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "session.session")
	if err := storage.AtomicWriteFile(path, []byte("payload")); err != nil {
		t.Fatalf("AtomicWriteFile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("content = %q, want %q", data, "payload")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != storage.DefaultFilePerm {
		t.Fatalf("perm = %o, want %o", perm, storage.DefaultFilePerm)
	}

	// Повторная запись заменяет содержимое целиком.
	if err := storage.AtomicWriteFile(path, []byte("second")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "second" {
		t.Fatalf("content after overwrite = %q, want %q", data, "second")
	}
}

func TestPromoteFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "code_req_aabbccdd.session")
	dst := filepath.Join(dir, "session.session")

	if err := storage.AtomicWriteFile(src, []byte("fresh")); err != nil {
		t.Fatalf("prepare src: %v", err)
	}
	if err := storage.AtomicWriteFile(dst, []byte("stale")); err != nil {
		t.Fatalf("prepare dst: %v", err)
	}

	if err := storage.PromoteFile(src, dst); err != nil {
		t.Fatalf("PromoteFile() error = %v", err)
	}

	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("source file still exists after promote")
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(data) != "fresh" {
		t.Fatalf("dst content = %q, want %q", data, "fresh")
	}
}

func TestPromoteFileMissingSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	err := storage.PromoteFile(filepath.Join(dir, "missing"), filepath.Join(dir, "dst"))
	if err == nil {
		t.Fatal("PromoteFile() with missing source returned nil error")
	}
}

func TestRemoveIfExists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "victim")
	if err := storage.RemoveIfExists(path); err != nil {
		t.Fatalf("RemoveIfExists(missing) error = %v", err)
	}

	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := storage.RemoveIfExists(path); err != nil {
		t.Fatalf("RemoveIfExists() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file still exists")
	}
}
