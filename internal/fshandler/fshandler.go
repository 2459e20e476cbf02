// Package fshandler exposes local files as handler.ReadWriteHandler
// values, giving the cmd binaries a concrete backend to run the core
// protocol against. It is grounded on the teacher's snapshot sender
// (internal/app/snapshot_sender.go), which likewise opens a local
// file and hands a reader to the transfer layer, narrowed here to the
// plain Reader/Writer/Seeker contract pkg/handler defines.
package fshandler

import (
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/chunkwire/chunkwire/pkg/chunk"
	"github.com/chunkwire/chunkwire/pkg/handler"
)

// IDFor derives the transfer id used to address a root-relative,
// slash-separated path. The client and server compute it the same
// way from the same string, so no side channel is needed to agree on
// ids: the path itself, as typed on the client command line or
// discovered by walking the served directory, is the shared key.
func IDFor(relPath string) uint32 {
	return crc32.ChecksumIEEE([]byte(filepath.ToSlash(relPath)))
}

// Directory exposes every regular file under root as a read-write
// handler, registered under the id IDFor derives from its root-relative
// path.
type Directory struct {
	root string
}

// NewDirectory returns a Directory rooted at root.
func NewDirectory(root string) *Directory {
	return &Directory{root: root}
}

// Register walks d's root and registers a handler for every regular
// file found, returning the root-relative path each id was derived
// from (for logging).
func (d *Directory) Register(reg *handler.Registry) (map[uint32]string, error) {
	ids := make(map[uint32]string)
	err := filepath.WalkDir(d.root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		id := IDFor(rel)
		if err := reg.Register(newFileHandler(id, path)); err != nil {
			return fmt.Errorf("fshandler: registering %s: %w", rel, err)
		}
		ids[id] = rel
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// fileHandler is a handler.ReadWriteHandler backed by one file on
// disk. A transfer reads or writes it exclusively, never both, so the
// single *os.File field is only ever touched by one direction's
// Prepare/Finalize pair at a time.
type fileHandler struct {
	id   uint32
	path string

	mu sync.Mutex
	f  *os.File
}

func newFileHandler(id uint32, path string) *fileHandler {
	return &fileHandler{id: id, path: path}
}

func (h *fileHandler) ID() uint32 { return h.id }

func (h *fileHandler) PrepareRead() (chunk.Status, error) {
	f, err := os.Open(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return chunk.StatusNotFound, nil
		}
		return chunk.StatusInternal, nil
	}
	h.mu.Lock()
	h.f = f
	h.mu.Unlock()
	return chunk.StatusOK, nil
}

func (h *fileHandler) FinalizeRead(status chunk.Status) {
	h.mu.Lock()
	f := h.f
	h.f = nil
	h.mu.Unlock()
	if f != nil {
		_ = f.Close()
	}
}

func (h *fileHandler) Reader() (handler.Reader, error) {
	h.mu.Lock()
	f := h.f
	h.mu.Unlock()
	if f == nil {
		return nil, fmt.Errorf("fshandler: Reader called before PrepareRead succeeded")
	}
	return &fileReader{f: f}, nil
}

func (h *fileHandler) PrepareWrite() (chunk.Status, error) {
	if dir := filepath.Dir(h.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return chunk.StatusInternal, nil
		}
	}
	f, err := os.Create(h.path)
	if err != nil {
		return chunk.StatusInternal, nil
	}
	h.mu.Lock()
	h.f = f
	h.mu.Unlock()
	return chunk.StatusOK, nil
}

func (h *fileHandler) FinalizeWrite(status chunk.Status) chunk.Status {
	h.mu.Lock()
	f := h.f
	h.f = nil
	h.mu.Unlock()
	if f != nil {
		_ = f.Close()
	}
	return status
}

func (h *fileHandler) Writer() (handler.Writer, error) {
	h.mu.Lock()
	f := h.f
	h.mu.Unlock()
	if f == nil {
		return nil, fmt.Errorf("fshandler: Writer called before PrepareWrite succeeded")
	}
	return &fileWriter{f: f}, nil
}

// fileReader adapts *os.File to handler.Reader, plus the optional
// handler.Seeker capability.
type fileReader struct{ f *os.File }

func (r *fileReader) Read(buf []byte) (int, error) { return r.f.Read(buf) }

func (r *fileReader) Seek(offset uint64) error {
	_, err := r.f.Seek(int64(offset), io.SeekStart)
	return err
}

// fileWriter adapts *os.File to handler.Writer. RemainingCapacity
// reports no practical ceiling; disk space, not the protocol, is what
// would actually stop a local file write.
type fileWriter struct{ f *os.File }

func (w *fileWriter) Write(buf []byte) error {
	_, err := w.f.Write(buf)
	return err
}

func (w *fileWriter) RemainingCapacity() uint64 { return math.MaxUint64 }

func (w *fileWriter) Seek(offset uint64) error {
	_, err := w.f.Seek(int64(offset), io.SeekStart)
	return err
}

// OpenReader opens path directly as a handler.Reader, for a client
// driving Orchestrator.Write without going through a Registry. The
// returned close func must be called once the transfer finishes.
func OpenReader(path string) (handler.Reader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return &fileReader{f: f}, f.Close, nil
}

// CreateWriter creates (truncating) path directly as a handler.Writer,
// for a client driving Orchestrator.Read without going through a
// Registry. The returned close func must be called once the transfer
// finishes.
func CreateWriter(path string) (handler.Writer, func() error, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return &fileWriter{f: f}, f.Close, nil
}

var _ handler.ReadWriteHandler = (*fileHandler)(nil)
var _ handler.Seeker = (*fileReader)(nil)
var _ handler.Seeker = (*fileWriter)(nil)
