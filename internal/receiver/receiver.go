// Package receiver implements the state machine for the side of a
// transfer that receives bytes: it grants a flow-control window,
// writes inbound data to a handler.Writer, detects and recovers from
// dropped chunks, and confirms completion.
package receiver

import (
	"fmt"
	"log/slog"

	"github.com/chunkwire/chunkwire/pkg/chunk"
	"github.com/chunkwire/chunkwire/pkg/handler"
)

// State names one point in the receiver's lifecycle.
type State uint8

const (
	Inactive State = iota
	Pending
	Receiving
	Recovery
	Terminating
	Completed
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Pending:
		return "pending"
	case Receiving:
		return "receiving"
	case Recovery:
		return "recovery"
	case Terminating:
		return "terminating"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// Config holds the negotiable ceilings a receiver offers a sender.
type Config struct {
	MaxPendingBytes   uint32
	MaxChunkSizeBytes uint32
	MaxRetries        uint8
}

// Engine is one receiver-side transfer state machine. It is not safe
// for concurrent use; the orchestrator serializes access per transfer.
type Engine struct {
	transferID uint32
	writer     handler.Writer
	finalize   func(chunk.Status) chunk.Status
	cfg        Config
	logger     *slog.Logger

	state State

	expectedOffset uint64
	pendingBytes   uint32

	paramsReemitted    bool
	lastOutOfOrderOff  uint64
	lastParams         *chunk.Chunk

	retries int
}

// New constructs a receiver engine bound to writer. finalize is called
// exactly once with the terminal status, and its return value (which
// may differ from what was passed, if the handler wants to clamp or
// override it) becomes the status reported on the wire. logger may be
// nil; every transition is then logged with transfer_id and role
// attributes against slog.Default().
func New(transferID uint32, writer handler.Writer, cfg Config, finalize func(chunk.Status) chunk.Status, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		transferID: transferID,
		writer:     writer,
		finalize:   finalize,
		cfg:        cfg,
		logger:     logger.With(slog.Uint64("transfer_id", uint64(transferID)), slog.String("role", "receiver")),
		state:      Inactive,
	}
}

func (e *Engine) State() State { return e.state }

// setState transitions the engine and logs it, mirroring the
// transfer-state trace logging the orchestrator's channel-level logger
// does for connection-level events.
func (e *Engine) setState(s State) {
	if s == e.state {
		return
	}
	e.logger.Debug("state transition", "from", e.state.String(), "to", s.String())
	e.state = s
}

// Start enters the transfer and returns the initial parameters chunk.
func (e *Engine) Start() (*chunk.Chunk, error) {
	if e.cfg.MaxPendingBytes == 0 {
		return nil, chunk.NewError(chunk.StatusInternal)
	}

	window := e.cfg.MaxPendingBytes
	if cap := e.writer.RemainingCapacity(); cap < uint64(window) {
		window = uint32(cap)
	}

	e.expectedOffset = 0
	e.pendingBytes = window
	e.setState(Pending)

	params := &chunk.Chunk{
		TransferID:           e.transferID,
		Offset:               0,
		HasOffset:            true,
		PendingBytes:         window,
		HasPendingBytes:      true,
		MaxChunkSizeBytes:    e.cfg.MaxChunkSizeBytes,
		HasMaxChunkSizeBytes: true,
	}
	e.lastParams = params
	return params, nil
}

// HandleChunk processes one inbound chunk and returns zero or more
// outbound chunks to send in response.
func (e *Engine) HandleChunk(in *chunk.Chunk) ([]*chunk.Chunk, error) {
	if e.state == Completed {
		return []*chunk.Chunk{e.terminal(chunk.StatusFailedPrecondition)}, nil
	}

	if in.HasStatus && !in.HasData {
		finalStatus := e.finalize(in.Status)
		e.setState(Completed)
		return []*chunk.Chunk{e.terminal(finalStatus)}, nil
	}

	if in.IsParameters() {
		finalStatus := e.finalize(chunk.StatusInvalidArgument)
		e.setState(Completed)
		return []*chunk.Chunk{e.terminal(finalStatus)}, nil
	}

	return e.handleData(in)
}

func (e *Engine) handleData(in *chunk.Chunk) ([]*chunk.Chunk, error) {
	offset := in.Offset

	if offset != e.expectedOffset {
		e.setState(Recovery)
		reemit := false
		if !e.paramsReemitted {
			reemit = true
			e.paramsReemitted = true
			e.lastOutOfOrderOff = offset
		} else if offset == e.lastOutOfOrderOff {
			reemit = true
		} else {
			e.lastOutOfOrderOff = offset
		}
		if !reemit {
			return nil, nil
		}
		reparams := &chunk.Chunk{
			TransferID:      e.transferID,
			Offset:          e.expectedOffset,
			HasOffset:       true,
			PendingBytes:    e.pendingBytes,
			HasPendingBytes: true,
		}
		e.lastParams = reparams
		return []*chunk.Chunk{reparams}, nil
	}

	// Forward progress: reset recovery tracking.
	e.paramsReemitted = false
	e.lastOutOfOrderOff = 0
	if e.state == Recovery {
		e.setState(Receiving)
	}
	if e.state == Pending {
		e.setState(Receiving)
	}

	dataLen := uint32(len(in.Data))
	if dataLen > e.pendingBytes {
		finalStatus := e.finalize(chunk.StatusInternal)
		e.setState(Completed)
		return []*chunk.Chunk{e.terminal(finalStatus)}, nil
	}

	if len(in.Data) > 0 {
		if err := e.writer.Write(in.Data); err != nil {
			finalStatus := e.finalize(chunk.StatusDataLoss)
			e.setState(Completed)
			return []*chunk.Chunk{e.terminal(finalStatus)}, fmt.Errorf("receiver: writer error: %w", err)
		}
	}
	e.expectedOffset += uint64(dataLen)
	e.pendingBytes -= dataLen

	if in.HasRemainingBytes && in.RemainingBytes == 0 {
		finalStatus := e.finalize(chunk.StatusOK)
		e.setState(Completed)
		return []*chunk.Chunk{e.terminal(finalStatus)}, nil
	}

	if e.pendingBytes == 0 {
		window := e.cfg.MaxPendingBytes
		if cap := e.writer.RemainingCapacity(); cap < uint64(window) {
			window = uint32(cap)
		}
		e.pendingBytes = window
		params := &chunk.Chunk{
			TransferID:           e.transferID,
			Offset:               e.expectedOffset,
			HasOffset:            true,
			PendingBytes:         window,
			HasPendingBytes:      true,
			MaxChunkSizeBytes:    e.cfg.MaxChunkSizeBytes,
			HasMaxChunkSizeBytes: true,
		}
		e.lastParams = params
		return []*chunk.Chunk{params}, nil
	}

	return nil, nil
}

// HandleTimeout is invoked by the orchestrator when this transfer's
// deadline fires. It re-emits the current parameters chunk, or, past
// MaxRetries, finalizes the transfer with DeadlineExceeded.
func (e *Engine) HandleTimeout() (*chunk.Chunk, bool) {
	if e.state == Completed {
		return nil, false
	}
	e.retries++
	if e.retries > int(e.cfg.MaxRetries) {
		finalStatus := e.finalize(chunk.StatusDeadlineExceeded)
		e.setState(Completed)
		return e.terminal(finalStatus), true
	}
	if e.lastParams == nil {
		return nil, false
	}
	return e.lastParams, false
}

// Cancel terminates the transfer locally with Cancelled, as for an
// explicit client-originated cancel.
func (e *Engine) Cancel() *chunk.Chunk {
	if e.state == Completed {
		return e.terminal(chunk.StatusCancelled)
	}
	finalStatus := e.finalize(chunk.StatusCancelled)
	e.setState(Completed)
	return e.terminal(finalStatus)
}

// Abort terminates the transfer locally with Aborted, as when a new
// initiating chunk for this id replaces it before it reached
// Completed. No outbound chunk is produced; the replacing transfer's
// own initial parameters chunk is the only wire message.
func (e *Engine) Abort() {
	if e.state == Completed {
		return
	}
	e.finalize(chunk.StatusAborted)
	e.setState(Completed)
}

func (e *Engine) terminal(status chunk.Status) *chunk.Chunk {
	return &chunk.Chunk{
		TransferID: e.transferID,
		Status:     status,
		HasStatus:  true,
	}
}
