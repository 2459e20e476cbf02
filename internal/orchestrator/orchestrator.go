// Package orchestrator owns the live transfer contexts on one channel:
// it dispatches inbound chunks to the right receiver or sender engine,
// enforces a fixed-capacity context pool, drives per-context deadlines,
// and serializes outbound writes per stream direction. It is the
// generalization of the teacher's peers.Hub (session+peer keyed
// connection registry) to channel+transfer-id keyed transfer state.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/chunkwire/chunkwire/internal/bufpool"
	"github.com/chunkwire/chunkwire/internal/deadline"
	"github.com/chunkwire/chunkwire/internal/receiver"
	"github.com/chunkwire/chunkwire/internal/sender"
	"github.com/chunkwire/chunkwire/internal/xfertransport"
	"github.com/chunkwire/chunkwire/pkg/chunk"
	"github.com/chunkwire/chunkwire/pkg/handler"
)

// Side names which end of the channel this orchestrator drives.
type Side uint8

const (
	Server Side = iota
	Client
)

// Executor runs a function, possibly on a background goroutine. The
// default is synchronous: callers that want payload I/O offloaded from
// the stream-reading goroutine can supply their own.
type Executor func(func())

func inlineExecutor(f func()) { f() }

// clampedChunkSize enforces chunk.HardMaxChunkSize as a ceiling on a
// configured max_chunk_size_bytes independent of what an operator
// requests: a value of 0 falls back to the hard ceiling, and any larger
// configured value is clamped down to it.
func clampedChunkSize(configured uint32) uint32 {
	if configured == 0 || configured > chunk.HardMaxChunkSize {
		return chunk.HardMaxChunkSize
	}
	return configured
}

// Config bundles the negotiable limits and optional collaborators for
// an Orchestrator.
type Config struct {
	Capacity          uint8
	MaxPendingBytes   uint32
	MaxChunkSizeBytes uint32
	MaxRetries        uint8
	ChunkTimeout      time.Duration

	// Executor offloads reader/writer I/O off the stream-reading
	// goroutine; nil runs inline.
	Executor Executor
	// Limiter optionally throttles aggregate outbound byte rate across
	// every transfer on this channel.
	Limiter *rate.Limiter
}

// transferContext is the per-transfer slot the pool hands out. Exactly
// one of recv/send is non-nil.
type transferContext struct {
	id  uint32
	dir xfertransport.Direction

	recv *receiver.Engine
	send *sender.Engine

	onDone func(chunk.Status)

	// lastEncoded is the wire bytes of the most recently sent chunk for
	// this transfer. A transient transport write failure retries this
	// exact encoding (see writeOutbound) instead of asking the engine to
	// regenerate the chunk, so a bare transport hiccup doesn't also burn
	// one of the engine's own MaxRetries protocol retries.
	lastEncoded []byte
}

// Orchestrator dispatches inbound chunks for one channel (one Conn's
// worth of Read/Write streams) to per-transfer engines.
type Orchestrator struct {
	side     Side
	registry *handler.Registry
	cfg      Config
	logger   *slog.Logger

	channelID string

	mu       sync.Mutex
	contexts map[uint32]*transferContext

	scheduler *deadline.Scheduler
	bufPool   *bufpool.Pool

	streams   map[xfertransport.Direction]xfertransport.Stream
	writeMu   map[xfertransport.Direction]*sync.Mutex

	exhaustion struct {
		mu          sync.Mutex
		count       int
		windowStart time.Time
	}
}

// New constructs an Orchestrator bound to registry. registry is nil on
// the client side, where handlers are supplied per-call to Read/Write
// instead of via registration.
func New(side Side, registry *handler.Registry, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.Capacity == 0 {
		cfg.Capacity = 1
	}
	if cfg.Executor == nil {
		cfg.Executor = inlineExecutor
	}
	if logger == nil {
		logger = slog.Default()
	}
	scratchSize := int(clampedChunkSize(cfg.MaxChunkSizeBytes)) + 32
	channelID := uuid.NewString()
	o := &Orchestrator{
		side:      side,
		registry:  registry,
		cfg:       cfg,
		logger:    logger.With(slog.String("channel_id", channelID)),
		channelID: channelID,
		contexts:  make(map[uint32]*transferContext),
		scheduler: deadline.New(),
		bufPool:   bufpool.Shared(scratchSize),
		streams:   make(map[xfertransport.Direction]xfertransport.Stream),
		writeMu:   make(map[xfertransport.Direction]*sync.Mutex),
	}
	return o
}

// BindStream attaches the stream carrying dir's traffic. Must be
// called once per direction before Serve.
func (o *Orchestrator) BindStream(dir xfertransport.Direction, s xfertransport.Stream) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.streams[dir] = s
	o.writeMu[dir] = &sync.Mutex{}
}

// Serve reads and dispatches inbound chunks on every bound stream. Each
// direction is served by its own goroutine, which stops when its stream
// read fails or when ctx is found cancelled between messages (a read
// already blocked on the stream is not interrupted). Serve returns once
// every direction has stopped. Per-stream ordering is preserved since
// each direction has a single reader.
func (o *Orchestrator) Serve(ctx context.Context) error {
	o.mu.Lock()
	dirs := make([]xfertransport.Direction, 0, len(o.streams))
	for d := range o.streams {
		dirs = append(dirs, d)
	}
	o.mu.Unlock()

	if len(dirs) == 0 {
		return fmt.Errorf("orchestrator: no streams bound")
	}

	errCh := make(chan error, len(dirs)+1)
	var wg sync.WaitGroup
	for _, d := range dirs {
		wg.Add(1)
		go func(dir xfertransport.Direction) {
			defer wg.Done()
			errCh <- o.serveDirection(ctx, dir)
		}(d)
	}
	go o.tickDeadlines(ctx)

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) serveDirection(ctx context.Context, dir xfertransport.Direction) error {
	stream := o.streams[dir]
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		raw, err := stream.ReadMessage()
		if err != nil {
			return fmt.Errorf("orchestrator: reading %s stream: %w", dir, err)
		}
		in, err := chunk.Decode(raw)
		if err != nil {
			o.logger.Warn("malformed chunk", "direction", dir, "error", err)
			continue
		}
		o.cfg.Executor(func() {
			if err := o.handleInbound(dir, in); err != nil {
				o.logger.Warn("handling inbound chunk failed", "transfer_id", in.TransferID, "direction", dir, "error", err)
			}
		})
	}
}

// roleIsSender reports whether the sender engine (rather than the
// receiver engine) owns dir on this side of the channel. On the Read stream the server sends data and
// the client receives it; on the Write stream the client sends data
// and the server receives it.
func (o *Orchestrator) roleIsSender(dir xfertransport.Direction) bool {
	switch o.side {
	case Server:
		return dir == xfertransport.StreamRead
	case Client:
		return dir == xfertransport.StreamWrite
	}
	return false
}

func (o *Orchestrator) handleInbound(dir xfertransport.Direction, in *chunk.Chunk) error {
	o.mu.Lock()
	tc, exists := o.contexts[in.TransferID]

	if exists && in.IsInitiating() {
		delete(o.contexts, in.TransferID)
		o.scheduler.Remove(in.TransferID)
		o.mu.Unlock()
		o.finalizeContext(tc, chunk.StatusAborted)
		o.mu.Lock()
		exists = false
	}

	if !exists {
		if !in.IsInitiating() {
			o.mu.Unlock()
			o.sendTerminal(dir, in.TransferID, chunk.StatusFailedPrecondition)
			return nil
		}
		if len(o.contexts) >= int(o.cfg.Capacity) {
			o.mu.Unlock()
			o.recordExhaustion()
			o.sendTerminal(dir, in.TransferID, chunk.StatusResourceExhausted)
			return nil
		}
		newTC, out, err := o.admit(dir, in.TransferID)
		if err != nil {
			o.mu.Unlock()
			status, ok := chunk.StatusOf(err)
			if !ok {
				status = chunk.StatusInternal
			}
			o.sendTerminal(dir, in.TransferID, status)
			return err
		}
		o.contexts[in.TransferID] = newTC
		o.scheduler.Set(in.TransferID, time.Now().Add(o.cfg.ChunkTimeout))
		o.mu.Unlock()
		o.writeOutbound(dir, newTC, out)
		return nil
	}
	o.mu.Unlock()

	out, done, err := o.route(tc, in)
	o.mu.Lock()
	if done {
		delete(o.contexts, in.TransferID)
		o.scheduler.Remove(in.TransferID)
	} else {
		o.scheduler.Set(in.TransferID, time.Now().Add(o.cfg.ChunkTimeout))
	}
	o.mu.Unlock()
	o.writeOutbound(dir, tc, out)
	return err
}

// admit allocates a new transfer context for an initiating chunk,
// looking up the registered handler (server side) and preparing it.
func (o *Orchestrator) admit(dir xfertransport.Direction, id uint32) (*transferContext, []*chunk.Chunk, error) {
	if o.registry == nil {
		return nil, nil, chunk.NewError(chunk.StatusNotFound)
	}

	lookupDir := handler.Read
	if !o.roleIsSender(dir) {
		lookupDir = handler.Write
	}

	h, err := o.registry.Lookup(id, lookupDir)
	if err != nil {
		return nil, nil, chunk.NewError(chunk.StatusNotFound)
	}

	if o.roleIsSender(dir) {
		ro, ok := h.(handler.ReadOnlyHandler)
		if !ok {
			return nil, nil, chunk.NewError(chunk.StatusPermissionDenied)
		}
		status, err := ro.PrepareRead()
		if err != nil || status != chunk.StatusOK {
			if status == chunk.StatusOK {
				status = chunk.StatusInternal
			}
			return nil, nil, chunk.NewError(status)
		}
		reader, err := ro.Reader()
		if err != nil {
			return nil, nil, chunk.NewError(chunk.StatusInternal)
		}
		send := sender.New(id, reader, sender.Config{
			ScratchBufferSize: int(clampedChunkSize(o.cfg.MaxChunkSizeBytes)),
			MaxRetries:        o.cfg.MaxRetries,
		}, func(s chunk.Status) chunk.Status {
			ro.FinalizeRead(s)
			return s
		}, o.logger)
		return &transferContext{id: id, dir: dir, send: send}, nil, nil
	}

	wo, ok := h.(handler.WriteOnlyHandler)
	if !ok {
		return nil, nil, chunk.NewError(chunk.StatusPermissionDenied)
	}
	status, err := wo.PrepareWrite()
	if err != nil || status != chunk.StatusOK {
		if status == chunk.StatusOK {
			status = chunk.StatusInternal
		}
		return nil, nil, chunk.NewError(status)
	}
	writer, err := wo.Writer()
	if err != nil {
		return nil, nil, chunk.NewError(chunk.StatusInternal)
	}
	recv := receiver.New(id, writer, receiver.Config{
		MaxPendingBytes:   o.cfg.MaxPendingBytes,
		MaxChunkSizeBytes: clampedChunkSize(o.cfg.MaxChunkSizeBytes),
		MaxRetries:        o.cfg.MaxRetries,
	}, wo.FinalizeWrite, o.logger)

	params, err := recv.Start()
	if err != nil {
		status, ok := chunk.StatusOf(err)
		if !ok {
			status = chunk.StatusInternal
		}
		return nil, nil, chunk.NewError(status)
	}
	return &transferContext{id: id, dir: dir, recv: recv}, []*chunk.Chunk{params}, nil
}

func (o *Orchestrator) route(tc *transferContext, in *chunk.Chunk) ([]*chunk.Chunk, bool, error) {
	if tc.recv != nil {
		out, err := tc.recv.HandleChunk(in)
		return out, tc.recv.State() == receiver.Completed, err
	}
	if in.IsTerminal() {
		tc.send.HandleTerminal(in.Status)
		return nil, true, nil
	}
	if tc.send.State() == sender.Inactive {
		out, err := tc.send.Start(in)
		return out, tc.send.State() == sender.Completed, err
	}
	out, err := tc.send.HandleParameters(in)
	return out, tc.send.State() == sender.Completed, err
}

// finalizeContext is used exclusively for the duplicate-initiation
// abort path (spec.md §4.3): it always finalizes with Aborted, never
// emitting an outbound chunk of its own, since the initiating chunk
// that triggered it immediately starts a fresh transfer on the same
// id.
func (o *Orchestrator) finalizeContext(tc *transferContext, status chunk.Status) {
	if tc == nil {
		return
	}
	if tc.recv != nil {
		tc.recv.Abort()
		return
	}
	if tc.send != nil {
		tc.send.HandleTerminal(status)
	}
}

func (o *Orchestrator) sendTerminal(dir xfertransport.Direction, id uint32, status chunk.Status) {
	o.writeOutbound(dir, nil, []*chunk.Chunk{{TransferID: id, Status: status, HasStatus: true}})
}

// writeOutbound encodes and writes chunks to dir's stream. tc may be
// nil (e.g. a terminal status sent for a transfer id this channel never
// admitted); when non-nil, each chunk's encoding is recorded on
// tc.lastEncoded and a transport write failure is retried with that
// exact encoding rather than by asking the caller to recompute the
// chunk, so a transient write error doesn't also consume one of the
// owning engine's own MaxRetries protocol retries.
func (o *Orchestrator) writeOutbound(dir xfertransport.Direction, tc *transferContext, chunks []*chunk.Chunk) {
	if len(chunks) == 0 {
		return
	}
	o.mu.Lock()
	stream := o.streams[dir]
	wmu := o.writeMu[dir]
	o.mu.Unlock()
	if stream == nil || wmu == nil {
		return
	}

	buf := o.bufPool.Get()
	defer o.bufPool.Put(buf)

	wmu.Lock()
	defer wmu.Unlock()
	for _, c := range chunks {
		encoded, err := chunk.EncodeToBuffer(c, buf)
		if err != nil {
			encoded, err = chunk.Encode(c, nil)
			if err != nil {
				o.logger.Error("encoding outbound chunk failed", "transfer_id", c.TransferID, "error", err)
				continue
			}
		}
		if tc != nil {
			// buf is pooled and reused by the next chunk in this loop, so
			// lastEncoded needs its own backing array to survive past
			// this iteration.
			tc.lastEncoded = append(tc.lastEncoded[:0], encoded...)
			encoded = tc.lastEncoded
		}
		if o.cfg.Limiter != nil {
			_ = o.cfg.Limiter.WaitN(context.Background(), len(encoded))
		}
		if err := o.writeWithRetry(stream, encoded); err != nil {
			o.logger.Warn("writing outbound chunk failed after retries", "transfer_id", c.TransferID, "direction", dir, "error", err)
			return
		}
	}
}

// writeWithRetry attempts stream.WriteMessage, retrying the identical
// encoded bytes on failure up to MaxRetries times. This is a pure
// transport-level resend: it never touches engine state, so it's
// distinct from (and doesn't count against) the protocol-level retries
// HandleTimeout drives on the owning receiver/sender engine.
func (o *Orchestrator) writeWithRetry(stream xfertransport.Stream, encoded []byte) error {
	var err error
	for attempt := 0; attempt <= int(o.cfg.MaxRetries); attempt++ {
		if err = stream.WriteMessage(encoded); err == nil {
			return nil
		}
	}
	return err
}

func (o *Orchestrator) recordExhaustion() {
	const window = time.Minute
	const warnThreshold = 5

	o.exhaustion.mu.Lock()
	defer o.exhaustion.mu.Unlock()

	now := time.Now()
	if now.Sub(o.exhaustion.windowStart) > window {
		o.exhaustion.windowStart = now
		o.exhaustion.count = 0
	}
	o.exhaustion.count++
	if o.exhaustion.count == warnThreshold {
		o.logger.Warn("transfer context pool exhausted repeatedly", "count", o.exhaustion.count, "window", window)
	}
}

func (o *Orchestrator) tickDeadlines(ctx context.Context) {
	interval := o.cfg.ChunkTimeout
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range o.scheduler.Expired(now) {
				o.handleTimeout(id)
			}
		}
	}
}

func (o *Orchestrator) handleTimeout(id uint32) {
	o.mu.Lock()
	tc, ok := o.contexts[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	var out *chunk.Chunk
	var done bool
	if tc.recv != nil {
		out, done = tc.recv.HandleTimeout()
	} else {
		out, done = tc.send.HandleTimeout()
	}

	o.mu.Lock()
	if done {
		delete(o.contexts, id)
		o.scheduler.Remove(id)
	} else {
		o.scheduler.Set(id, time.Now().Add(o.cfg.ChunkTimeout))
	}
	dir := tc.dir
	o.mu.Unlock()

	if out != nil {
		o.writeOutbound(dir, tc, []*chunk.Chunk{out})
	}
}

// ErrChannelFull is returned by Read/Write when the context pool is at
// capacity.
var ErrChannelFull = chunk.NewError(chunk.StatusResourceExhausted)

// Read performs a client-initiated read transfer: the channel peer
// (server) sends bytes, written to w as they arrive. onDone is called
// exactly once with the final status. Read only makes sense on a
// Client-side Orchestrator.
func (o *Orchestrator) Read(id uint32, w handler.Writer, onDone func(chunk.Status)) error {
	recv := receiver.New(id, w, receiver.Config{
		MaxPendingBytes:   o.cfg.MaxPendingBytes,
		MaxChunkSizeBytes: clampedChunkSize(o.cfg.MaxChunkSizeBytes),
		MaxRetries:        o.cfg.MaxRetries,
	}, func(s chunk.Status) chunk.Status {
		onDone(s)
		return s
	}, o.logger)

	params, err := recv.Start()
	if err != nil {
		return err
	}

	tc := &transferContext{id: id, dir: xfertransport.StreamRead, recv: recv}
	if err := o.admitLocal(id, tc); err != nil {
		return err
	}

	o.writeOutbound(xfertransport.StreamRead, tc, []*chunk.Chunk{
		{TransferID: id},
		params,
	})
	return nil
}

// Write performs a client-initiated write transfer: bytes read from r
// are sent to the peer (server). onDone is called exactly once with
// the final status. Write only makes sense on a Client-side
// Orchestrator.
func (o *Orchestrator) Write(id uint32, r handler.Reader, onDone func(chunk.Status)) error {
	send := sender.New(id, r, sender.Config{
		ScratchBufferSize: int(clampedChunkSize(o.cfg.MaxChunkSizeBytes)),
		MaxRetries:        o.cfg.MaxRetries,
	}, func(s chunk.Status) chunk.Status {
		onDone(s)
		return s
	}, o.logger)

	tc := &transferContext{id: id, dir: xfertransport.StreamWrite, send: send}
	if err := o.admitLocal(id, tc); err != nil {
		return err
	}

	o.writeOutbound(xfertransport.StreamWrite, tc, []*chunk.Chunk{{TransferID: id}})
	return nil
}

func (o *Orchestrator) admitLocal(id uint32, tc *transferContext) error {
	o.mu.Lock()
	if _, exists := o.contexts[id]; exists {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: transfer %d already active", id)
	}
	if len(o.contexts) >= int(o.cfg.Capacity) {
		o.mu.Unlock()
		o.recordExhaustion()
		return ErrChannelFull
	}
	o.contexts[id] = tc
	o.scheduler.Set(id, time.Now().Add(o.cfg.ChunkTimeout))
	o.mu.Unlock()
	return nil
}

// Len reports the number of live transfer contexts, for tests and
// diagnostics.
func (o *Orchestrator) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.contexts)
}
