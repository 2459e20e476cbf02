package orchestrator

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/chunkwire/chunkwire/internal/xfertransport"
	"github.com/chunkwire/chunkwire/pkg/chunk"
	"github.com/chunkwire/chunkwire/pkg/handler"
)

// captureStream is a fake xfertransport.Stream that decodes every
// outbound WriteMessage into a chunk and records it; ReadMessage is
// never exercised because these tests drive handleInbound directly.
type captureStream struct {
	sent []*chunk.Chunk
}

func (s *captureStream) ReadMessage() ([]byte, error) { return nil, io.EOF }
func (s *captureStream) WriteMessage(b []byte) error {
	c, err := chunk.Decode(b)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, c)
	return nil
}
func (s *captureStream) Close() error { return nil }

func testConfig() Config {
	return Config{
		Capacity:          1,
		MaxPendingBytes:   64,
		MaxChunkSizeBytes: 64,
		MaxRetries:        3,
		ChunkTimeout:      time.Second,
	}
}

type fakeReadOnly struct {
	id       uint32
	data     []byte
	prepared int
	final    chunk.Status
	finals   int
}

func (f *fakeReadOnly) ID() uint32                         { return f.id }
func (f *fakeReadOnly) PrepareRead() (chunk.Status, error)  { f.prepared++; return chunk.StatusOK, nil }
func (f *fakeReadOnly) FinalizeRead(s chunk.Status)         { f.finals++; f.final = s }
func (f *fakeReadOnly) Reader() (handler.Reader, error)     { return &byteReader{data: f.data}, nil }

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) Read(buf []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(buf, r.data[r.pos:])
	r.pos += n
	if r.pos >= len(r.data) {
		return n, io.EOF
	}
	return n, nil
}

type fakeWriteOnly struct {
	id     uint32
	buf    bytes.Buffer
	cap    uint64
	final  chunk.Status
	finals int
}

func (f *fakeWriteOnly) ID() uint32                          { return f.id }
func (f *fakeWriteOnly) PrepareWrite() (chunk.Status, error) { return chunk.StatusOK, nil }
func (f *fakeWriteOnly) FinalizeWrite(s chunk.Status) chunk.Status {
	f.finals++
	f.final = s
	return s
}
func (f *fakeWriteOnly) Writer() (handler.Writer, error) { return &byteWriter{f: f}, nil }

type byteWriter struct{ f *fakeWriteOnly }

func (w *byteWriter) Write(b []byte) error {
	w.f.buf.Write(b)
	if uint64(len(b)) <= w.f.cap {
		w.f.cap -= uint64(len(b))
	}
	return nil
}
func (w *byteWriter) RemainingCapacity() uint64 { return w.f.cap }

func lastChunk(s *captureStream) *chunk.Chunk {
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

func TestOrchestratorServerReadSingleChunk(t *testing.T) {
	reg := handler.NewRegistry()
	blob := []byte("the quick brown fox jumps over")
	ro := &fakeReadOnly{id: 3, data: blob}
	if err := reg.Register(ro); err != nil {
		t.Fatalf("register: %v", err)
	}

	o := New(Server, reg, testConfig(), nil)
	stream := &captureStream{}
	o.BindStream(xfertransport.StreamRead, stream)

	// Initiating chunk from the client.
	if err := o.handleInbound(xfertransport.StreamRead, &chunk.Chunk{TransferID: 3}); err != nil {
		t.Fatalf("initiating chunk: %v", err)
	}
	if ro.prepared != 1 {
		t.Fatalf("PrepareRead called %d times, want 1", ro.prepared)
	}

	// Parameters chunk granting the whole window in one shot.
	params := &chunk.Chunk{TransferID: 3, PendingBytes: 64, HasPendingBytes: true, MaxChunkSizeBytes: 64, HasMaxChunkSizeBytes: true}
	if err := o.handleInbound(xfertransport.StreamRead, params); err != nil {
		t.Fatalf("params chunk: %v", err)
	}

	data := lastChunk(stream)
	if data == nil || !data.HasData || !bytes.Equal(data.Data, blob) {
		t.Fatalf("expected single data chunk with the full blob, got %+v", stream.sent)
	}
	if !data.HasRemainingBytes || data.RemainingBytes != 0 {
		t.Fatalf("expected remaining_bytes=0 on last chunk")
	}

	// Client confirms completion.
	if err := o.handleInbound(xfertransport.StreamRead, &chunk.Chunk{TransferID: 3, Status: chunk.StatusOK, HasStatus: true}); err != nil {
		t.Fatalf("terminal chunk: %v", err)
	}
	if ro.finals != 1 || ro.final != chunk.StatusOK {
		t.Fatalf("FinalizeRead = (%d calls, %v), want (1, OK)", ro.finals, ro.final)
	}
	if o.Len() != 0 {
		t.Fatalf("expected context to be freed after completion, Len()=%d", o.Len())
	}
}

func TestOrchestratorServerWriteRoundTrip(t *testing.T) {
	reg := handler.NewRegistry()
	wo := &fakeWriteOnly{id: 7, cap: 64}
	if err := reg.Register(wo); err != nil {
		t.Fatalf("register: %v", err)
	}

	o := New(Server, reg, testConfig(), nil)
	stream := &captureStream{}
	o.BindStream(xfertransport.StreamWrite, stream)

	if err := o.handleInbound(xfertransport.StreamWrite, &chunk.Chunk{TransferID: 7}); err != nil {
		t.Fatalf("initiating chunk: %v", err)
	}
	params := lastChunk(stream)
	if params == nil || !params.HasPendingBytes || params.PendingBytes != 64 {
		t.Fatalf("expected initial parameters chunk with pending_bytes=64, got %+v", params)
	}

	payload := []byte("hello, chunkwire")
	data := &chunk.Chunk{TransferID: 7, Offset: 0, HasOffset: true, Data: payload, HasData: true, RemainingBytes: 0, HasRemainingBytes: true}
	if err := o.handleInbound(xfertransport.StreamWrite, data); err != nil {
		t.Fatalf("data chunk: %v", err)
	}

	terminal := lastChunk(stream)
	if terminal == nil || terminal.Status != chunk.StatusOK {
		t.Fatalf("expected OK terminal chunk, got %+v", terminal)
	}
	if !bytes.Equal(wo.buf.Bytes(), payload) {
		t.Fatalf("writer contents = %q, want %q", wo.buf.Bytes(), payload)
	}
	if wo.finals != 1 || wo.final != chunk.StatusOK {
		t.Fatalf("FinalizeWrite = (%d calls, %v), want (1, OK)", wo.finals, wo.final)
	}
}

func TestOrchestratorResourceExhaustion(t *testing.T) {
	reg := handler.NewRegistry()
	wo1 := &fakeWriteOnly{id: 1, cap: 64}
	wo2 := &fakeWriteOnly{id: 2, cap: 64}
	if err := reg.Register(wo1); err != nil {
		t.Fatalf("register 1: %v", err)
	}
	if err := reg.Register(wo2); err != nil {
		t.Fatalf("register 2: %v", err)
	}

	cfg := testConfig()
	cfg.Capacity = 1
	o := New(Server, reg, cfg, nil)
	stream := &captureStream{}
	o.BindStream(xfertransport.StreamWrite, stream)

	if err := o.handleInbound(xfertransport.StreamWrite, &chunk.Chunk{TransferID: 1}); err != nil {
		t.Fatalf("admit transfer 1: %v", err)
	}
	if o.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", o.Len())
	}

	if err := o.handleInbound(xfertransport.StreamWrite, &chunk.Chunk{TransferID: 2}); err != nil {
		t.Fatalf("admit transfer 2: %v", err)
	}
	terminal := lastChunk(stream)
	if terminal == nil || terminal.TransferID != 2 || terminal.Status != chunk.StatusResourceExhausted {
		t.Fatalf("expected ResourceExhausted terminal for transfer 2, got %+v", terminal)
	}
	if o.Len() != 1 {
		t.Fatalf("first transfer should be unaffected, Len() = %d, want 1", o.Len())
	}
	if wo1.finals != 0 {
		t.Fatalf("first transfer's handler should not have been finalized")
	}
}

func TestOrchestratorUnregisteredTransferIsNotFound(t *testing.T) {
	reg := handler.NewRegistry()
	o := New(Server, reg, testConfig(), nil)
	stream := &captureStream{}
	o.BindStream(xfertransport.StreamWrite, stream)

	if err := o.handleInbound(xfertransport.StreamWrite, &chunk.Chunk{TransferID: 99}); err == nil {
		t.Fatal("expected an error admitting an unregistered transfer id")
	}
	terminal := lastChunk(stream)
	if terminal == nil || terminal.Status != chunk.StatusNotFound {
		t.Fatalf("expected NotFound terminal, got %+v", terminal)
	}
}

func TestOrchestratorDuplicateInitiationAborts(t *testing.T) {
	reg := handler.NewRegistry()
	wo := &fakeWriteOnly{id: 5, cap: 64}
	if err := reg.Register(wo); err != nil {
		t.Fatalf("register: %v", err)
	}

	o := New(Server, reg, testConfig(), nil)
	stream := &captureStream{}
	o.BindStream(xfertransport.StreamWrite, stream)

	if err := o.handleInbound(xfertransport.StreamWrite, &chunk.Chunk{TransferID: 5}); err != nil {
		t.Fatalf("first initiation: %v", err)
	}
	if o.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", o.Len())
	}

	// A second initiating chunk for the same id aborts the first and
	// restarts the transfer fresh.
	if err := o.handleInbound(xfertransport.StreamWrite, &chunk.Chunk{TransferID: 5}); err != nil {
		t.Fatalf("second initiation: %v", err)
	}
	if wo.finals != 1 || wo.final != chunk.StatusAborted {
		t.Fatalf("FinalizeWrite = (%d calls, %v), want (1, Aborted)", wo.finals, wo.final)
	}
	if o.Len() != 1 {
		t.Fatalf("restarted transfer should still occupy exactly one slot, Len() = %d", o.Len())
	}
}

func TestOrchestratorChunkForNonActiveTransferIsFailedPrecondition(t *testing.T) {
	reg := handler.NewRegistry()
	o := New(Server, reg, testConfig(), nil)
	stream := &captureStream{}
	o.BindStream(xfertransport.StreamWrite, stream)

	data := &chunk.Chunk{TransferID: 42, Offset: 0, HasOffset: true, Data: []byte("x"), HasData: true}
	if err := o.handleInbound(xfertransport.StreamWrite, data); err != nil {
		t.Fatalf("handleInbound: %v", err)
	}
	terminal := lastChunk(stream)
	if terminal == nil || terminal.Status != chunk.StatusFailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %+v", terminal)
	}
}
