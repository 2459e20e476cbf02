// Package handler defines the application-facing backend contract
// consumed by the transfer engines: a registry mapping transfer IDs to
// read, write, or read-write capable endpoints.
package handler

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/chunkwire/chunkwire/pkg/chunk"
)

// Direction identifies which side of a handler a transfer uses.
type Direction uint8

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Read {
		return "read"
	}
	return "write"
}

// Seeker is the optional capability a Reader or Writer may implement.
// Handlers that cannot seek should simply not implement this interface;
// engines probe for it with a type assertion.
type Seeker interface {
	Seek(offset uint64) error
}

// ErrSeekUnimplemented is returned by a Seek implementation that exists
// only to satisfy an interface but cannot actually seek.
var ErrSeekUnimplemented = errors.New("handler: seek unimplemented")

// Reader is the byte source behind a read transfer.
type Reader interface {
	Read(buf []byte) (int, error)
}

// Writer is the byte sink behind a write transfer.
type Writer interface {
	Write(buf []byte) error
	RemainingCapacity() uint64
}

// ReadOnlyHandler exposes a Reader plus prepare/finalize hooks.
type ReadOnlyHandler interface {
	ID() uint32
	PrepareRead() (chunk.Status, error)
	FinalizeRead(status chunk.Status)
	Reader() (Reader, error)
}

// WriteOnlyHandler exposes a Writer plus prepare/finalize hooks.
type WriteOnlyHandler interface {
	ID() uint32
	PrepareWrite() (chunk.Status, error)
	FinalizeWrite(status chunk.Status) chunk.Status
	Writer() (Writer, error)
}

// ReadWriteHandler is the union of both capability sets; a given
// transfer still uses exactly one direction of it.
type ReadWriteHandler interface {
	ReadOnlyHandler
	WriteOnlyHandler
}

// entry tracks what was registered for one (id) slot and which
// directions are claimed.
type entry struct {
	readOnly  ReadOnlyHandler
	writeOnly WriteOnlyHandler
	readWrite ReadWriteHandler
}

func (e *entry) supports(dir Direction) bool {
	if e.readWrite != nil {
		return true
	}
	switch dir {
	case Read:
		return e.readOnly != nil
	case Write:
		return e.writeOnly != nil
	}
	return false
}

// ErrConflict is returned by Register when a different handler is
// already registered for the same id and overlapping direction.
var ErrConflict = errors.New("handler: conflicting registration")

// ErrNotFound is returned by Lookup when no handler is registered for
// the requested id.
var ErrNotFound = errors.New("handler: not found")

// Registry maps transfer IDs to handlers. Registration is idempotent
// for the same (id, handler) pair; registering a different handler for
// an id+direction already claimed fails with ErrConflict.
type Registry struct {
	mu      sync.RWMutex
	entries map[uint32]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint32]*entry)}
}

// Register adds h under its own ID(). Any combination of capability
// interfaces h satisfies is recorded. Calling Register again with the
// identical handler value is a no-op; calling it with a different
// handler value for a direction already registered is a conflict.
func (r *Registry) Register(h any) error {
	id, ro, wo, rw, err := classify(h)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		r.entries[id] = &entry{readOnly: ro, writeOnly: wo, readWrite: rw}
		return nil
	}

	if rw != nil {
		if e.readWrite != nil && e.readWrite != rw {
			return fmt.Errorf("handler: id %d already has a read-write handler: %w", id, ErrConflict)
		}
		e.readWrite = rw
		return nil
	}
	if ro != nil {
		if (e.readOnly != nil && e.readOnly != ro) || (e.readWrite != nil && e.readWrite != ro) {
			return fmt.Errorf("handler: id %d already has a read handler: %w", id, ErrConflict)
		}
		e.readOnly = ro
	}
	if wo != nil {
		if (e.writeOnly != nil && e.writeOnly != wo) || (e.readWrite != nil && e.readWrite != wo) {
			return fmt.Errorf("handler: id %d already has a write handler: %w", id, ErrConflict)
		}
		e.writeOnly = wo
	}
	return nil
}

// Unregister removes every handler registered for id.
func (r *Registry) Unregister(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Lookup returns the handler for id able to serve dir. It always
// returns a value satisfying at least ReadOnlyHandler or
// WriteOnlyHandler as appropriate for dir.
func (r *Registry) Lookup(id uint32, dir Direction) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok || !e.supports(dir) {
		return nil, fmt.Errorf("handler: id %d, direction %s: %w", id, dir, ErrNotFound)
	}
	if e.readWrite != nil {
		return e.readWrite, nil
	}
	switch dir {
	case Read:
		return e.readOnly, nil
	case Write:
		return e.writeOnly, nil
	}
	return nil, fmt.Errorf("handler: id %d, direction %s: %w", id, dir, ErrNotFound)
}

func classify(h any) (id uint32, ro ReadOnlyHandler, wo WriteOnlyHandler, rw ReadWriteHandler, err error) {
	if v, ok := h.(ReadWriteHandler); ok {
		return v.ID(), nil, nil, v, nil
	}
	if v, ok := h.(ReadOnlyHandler); ok {
		ro = v
	}
	if v, ok := h.(WriteOnlyHandler); ok {
		wo = v
	}
	if ro == nil && wo == nil {
		return 0, nil, nil, nil, fmt.Errorf("handler: value implements neither ReadOnlyHandler nor WriteOnlyHandler")
	}
	if ro != nil {
		id = ro.ID()
	} else {
		id = wo.ID()
	}
	return id, ro, wo, nil, nil
}

// TrySeek attempts to seek r or w (whichever is non-nil) to offset. It
// reports chunk.StatusUnimplemented when the underlying value does not
// implement Seeker.
func TrySeek(v any, offset uint64) error {
	s, ok := v.(Seeker)
	if !ok {
		return chunk.NewError(chunk.StatusUnimplemented)
	}
	if err := s.Seek(offset); err != nil {
		if errors.Is(err, ErrSeekUnimplemented) {
			return chunk.NewError(chunk.StatusUnimplemented)
		}
		return err
	}
	return nil
}

var _ io.Reader = (Reader)(nil)
