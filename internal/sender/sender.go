// Package sender implements the state machine for the side of a
// transfer that sends bytes: it honors a receiver-granted window and
// chunk-size ceiling, seeks on recovery requests when the source
// supports it, and paces emission when asked to.
package sender

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/chunkwire/chunkwire/pkg/chunk"
	"github.com/chunkwire/chunkwire/pkg/handler"
)

// State names one point in the sender's lifecycle.
type State uint8

const (
	Inactive State = iota
	Transmitting
	AwaitingWindow
	Terminating
	Completed
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Transmitting:
		return "transmitting"
	case AwaitingWindow:
		return "awaiting_window"
	case Terminating:
		return "terminating"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// Config holds the fallback scratch-buffer size used when no window
// has yet constrained it further, plus the pacing primitive used to
// honor min_delay_microseconds between successive data chunks.
//
// Sleep runs on whatever goroutine drives the engine (the transport
// thread by default, or a work-queue goroutine if the orchestrator
// offloads this transfer) — see the sender pacing decision in
// DESIGN.md for why this is the chosen domain.
type Config struct {
	ScratchBufferSize int
	MaxRetries        uint8
	Sleep             func(time.Duration)
}

// Engine is one sender-side transfer state machine.
type Engine struct {
	transferID uint32
	reader     handler.Reader
	finalize   func(chunk.Status) chunk.Status
	cfg        Config
	logger     *slog.Logger

	state State

	ourOffset         uint64
	pendingBytes      uint32
	maxChunkSizeBytes uint32
	minDelayMicros    uint32

	eofSent bool
	retries int
}

// New constructs a sender engine bound to reader. logger may be nil;
// every transition is then logged with transfer_id and role attributes
// against slog.Default().
func New(transferID uint32, reader handler.Reader, cfg Config, finalize func(chunk.Status) chunk.Status, logger *slog.Logger) *Engine {
	if cfg.ScratchBufferSize <= 0 {
		cfg.ScratchBufferSize = chunk.HardMaxChunkSize
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		transferID: transferID,
		reader:     reader,
		finalize:   finalize,
		cfg:        cfg,
		logger:     logger.With(slog.Uint64("transfer_id", uint64(transferID)), slog.String("role", "sender")),
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

// Start processes the first parameters chunk received from the
// receiver, entering the transfer. It returns the data chunks produced
// by the first transmission burst.
func (e *Engine) Start(params *chunk.Chunk) ([]*chunk.Chunk, error) {
	if !params.HasPendingBytes || params.PendingBytes == 0 {
		finalStatus := e.finalize(chunk.StatusInternal)
		e.setState(Completed)
		return []*chunk.Chunk{e.terminal(finalStatus)}, nil
	}
	e.ourOffset = 0
	return e.HandleParameters(params)
}

// HandleParameters processes a subsequent parameters chunk: either a
// fresh window grant (replacing the current one) or a recovery request
// (an offset behind our current position).
func (e *Engine) HandleParameters(params *chunk.Chunk) ([]*chunk.Chunk, error) {
	if e.state == Completed {
		return nil, nil
	}
	if params.HasOffset && params.Offset != e.ourOffset {
		seeker, ok := e.reader.(handler.Seeker)
		if !ok {
			finalStatus := e.finalize(chunk.StatusUnimplemented)
			e.setState(Completed)
			return []*chunk.Chunk{e.terminal(finalStatus)}, nil
		}
		if err := seeker.Seek(params.Offset); err != nil {
			finalStatus := e.finalize(chunk.StatusUnimplemented)
			e.setState(Completed)
			return []*chunk.Chunk{e.terminal(finalStatus)}, nil
		}
		e.ourOffset = params.Offset
		e.eofSent = false
	}
	e.setState(Transmitting)
	return e.applyWindow(params)
}

// HandleTerminal processes a terminal status chunk from the receiver,
// expected after the sender's final data chunk.
func (e *Engine) HandleTerminal(status chunk.Status) {
	if e.state == Completed {
		return
	}
	e.finalize(status)
	e.setState(Completed)
}

// HandleTimeout is invoked when the deadline for awaiting a terminal
// status after EOF fires.
func (e *Engine) HandleTimeout() (*chunk.Chunk, bool) {
	if e.state == Completed || !e.eofSent {
		return nil, false
	}
	e.retries++
	if e.retries > int(e.cfg.MaxRetries) {
		finalStatus := e.finalize(chunk.StatusDeadlineExceeded)
		e.setState(Completed)
		return e.terminal(finalStatus), true
	}
	return nil, false
}

// MinDelayMicroseconds reports the pacing delay requested by the most
// recent parameters chunk. The engine enforces it itself: applyWindow
// calls Config.Sleep for this long between successive data chunks.
func (e *Engine) MinDelayMicroseconds() uint32 { return e.minDelayMicros }

func (e *Engine) applyWindow(params *chunk.Chunk) ([]*chunk.Chunk, error) {
	e.pendingBytes = params.PendingBytes
	if params.HasMaxChunkSizeBytes {
		e.maxChunkSizeBytes = params.MaxChunkSizeBytes
	}
	if params.HasMinDelayMicroseconds {
		e.minDelayMicros = params.MinDelayMicroseconds
	}

	var out []*chunk.Chunk
	for e.pendingBytes > 0 {
		chunkSize := e.pendingBytes
		if e.maxChunkSizeBytes > 0 && e.maxChunkSizeBytes < chunkSize {
			chunkSize = e.maxChunkSizeBytes
		}
		if uint32(e.cfg.ScratchBufferSize) < chunkSize {
			chunkSize = uint32(e.cfg.ScratchBufferSize)
		}
		if chunkSize == 0 {
			break
		}

		buf := make([]byte, chunkSize)
		n, err := e.reader.Read(buf)
		if n > 0 {
			data := &chunk.Chunk{
				TransferID: e.transferID,
				Offset:     e.ourOffset,
				HasOffset:  true,
				Data:       buf[:n],
				HasData:    true,
			}
			e.ourOffset += uint64(n)
			e.pendingBytes -= uint32(n)
			if isEOF(err) {
				data.RemainingBytes, data.HasRemainingBytes = 0, true
				e.eofSent = true
				out = append(out, data)
				e.setState(Terminating)
				return out, nil
			}
			out = append(out, data)
			if e.minDelayMicros > 0 && e.pendingBytes > 0 {
				e.cfg.Sleep(time.Duration(e.minDelayMicros) * time.Microsecond)
			}
		}
		if err != nil {
			if isEOF(err) {
				// n == 0 at EOF: emit an empty final chunk so the
				// receiver still sees remaining_bytes = 0.
				data := &chunk.Chunk{
					TransferID:     e.transferID,
					Offset:         e.ourOffset,
					HasOffset:      true,
					RemainingBytes: 0,
					HasRemainingBytes: true,
				}
				e.eofSent = true
				out = append(out, data)
				e.setState(Terminating)
				return out, nil
			}
			finalStatus := e.finalize(chunk.StatusDataLoss)
			e.setState(Completed)
			out = append(out, e.terminal(finalStatus))
			return out, fmt.Errorf("sender: reader error: %w", err)
		}
	}

	if e.pendingBytes == 0 && e.state == Transmitting {
		e.setState(AwaitingWindow)
	}
	return out, nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

func (e *Engine) terminal(status chunk.Status) *chunk.Chunk {
	return &chunk.Chunk{TransferID: e.transferID, Status: status, HasStatus: true}
}
