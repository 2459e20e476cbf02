package fshandler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chunkwire/chunkwire/pkg/chunk"
	"github.com/chunkwire/chunkwire/pkg/handler"
)

func TestIDForIsStableAcrossSlashStyles(t *testing.T) {
	a := IDFor("sub/dir/file.txt")
	b := IDFor(filepath.FromSlash("sub/dir/file.txt"))
	if a != b {
		t.Fatalf("IDFor(%q) = %d, want %d to match the slash-form id", "sub\\dir\\file.txt", b, a)
	}
}

func TestDirectoryRegisterExposesFilesReadable(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("world"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	reg := handler.NewRegistry()
	d := NewDirectory(dir)
	ids, err := d.Register(reg)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("Register returned %d ids, want 2", len(ids))
	}

	wantID := IDFor("a.txt")
	if _, ok := ids[wantID]; !ok {
		t.Fatalf("a.txt not registered under its expected id")
	}

	h, err := reg.Lookup(wantID, handler.Read)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	ro := h.(handler.ReadOnlyHandler)
	status, err := ro.PrepareRead()
	if err != nil || status != chunk.StatusOK {
		t.Fatalf("PrepareRead = (%v, %v), want (OK, nil)", status, err)
	}
	defer ro.FinalizeRead(chunk.StatusOK)

	r, err := ro.Reader()
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	buf := make([]byte, 16)
	n, err := r.Read(buf)
	if err != nil && n == 0 {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("Read = %q, want %q", buf[:n], "hello")
	}
}

func TestDirectoryRegisterUnknownPathIsNotFound(t *testing.T) {
	dir := t.TempDir()
	reg := handler.NewRegistry()
	if _, err := NewDirectory(dir).Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.Lookup(IDFor("missing.txt"), handler.Read); err == nil {
		t.Fatal("expected an error looking up an unregistered path")
	}
}

func TestFileHandlerWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	h := newFileHandler(42, path)

	status, err := h.PrepareWrite()
	if err != nil || status != chunk.StatusOK {
		t.Fatalf("PrepareWrite = (%v, %v)", status, err)
	}
	w, err := h.Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if err := w.Write([]byte("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	h.FinalizeWrite(chunk.StatusOK)

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("file contents = %q, want %q", got, "payload")
	}
}

func TestOpenReaderAndCreateWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(src, []byte("round trip"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	r, closeR, err := OpenReader(src)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer closeR()

	dst := filepath.Join(dir, "nested", "dst.bin")
	w, closeW, err := CreateWriter(dst)
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	defer closeW()

	buf := make([]byte, 64)
	n, _ := r.Read(buf)
	if err := w.Write(buf[:n]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	closeW()

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "round trip" {
		t.Fatalf("file contents = %q, want %q", got, "round trip")
	}
}
