// Command chunkwire-server serves a directory of files over the
// chunked transfer protocol: every regular file under -root is
// registered as a read-write handler, addressable by the transfer id
// fshandler.IDFor derives from its path.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/chunkwire/chunkwire/internal/config"
	"github.com/chunkwire/chunkwire/internal/fshandler"
	"github.com/chunkwire/chunkwire/internal/logging"
	"github.com/chunkwire/chunkwire/internal/orchestrator"
	"github.com/chunkwire/chunkwire/internal/xfertransport"
	"github.com/chunkwire/chunkwire/internal/xfertransport/quictransport"
	"github.com/chunkwire/chunkwire/internal/xfertransport/webrtctransport"
	"github.com/chunkwire/chunkwire/internal/xfertransport/wstransport"
	"github.com/chunkwire/chunkwire/pkg/handler"
)

func main() {
	cfg, err := config.ParseServerConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.New("chunkwire-server", cfg.LogLevel, cfg.LogFormat)

	reg := handler.NewRegistry()
	ids, err := fshandler.NewDirectory(cfg.Root).Register(reg)
	if err != nil {
		logger.Error("registering served directory failed", "root", cfg.Root, "error", err)
		os.Exit(1)
	}
	for id, path := range ids {
		logger.Info("serving file", "path", path, "transfer_id", id)
	}

	ctx := context.Background()

	switch cfg.Transport {
	case "quic":
		srv, err := quictransport.Listen(cfg.Addr)
		if err != nil {
			logger.Error("listen failed", "addr", cfg.Addr, "error", err)
			os.Exit(1)
		}
		logger.Info("listening", "addr", cfg.Addr, "transport", "quic")
		serveLoop(ctx, srv, reg, cfg, logger)
	case "ws":
		srv := wstransport.NewServer()
		go serveLoop(ctx, srv, reg, cfg, logger)
		logger.Info("listening", "addr", cfg.Addr, "transport", "ws")
		if err := http.ListenAndServe(cfg.Addr, srv); err != nil {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	case "webrtc":
		srv, err := webrtctransport.Listen(cfg.Addr, webrtctransport.Config{StunServers: cfg.StunServers, Logger: logger})
		if err != nil {
			logger.Error("listen failed", "addr", cfg.Addr, "error", err)
			os.Exit(1)
		}
		logger.Info("listening", "addr", cfg.Addr, "transport", "webrtc")
		serveLoop(ctx, srv, reg, cfg, logger)
	default:
		logger.Error("unknown transport", "transport", cfg.Transport)
		os.Exit(2)
	}
}

func serveLoop(ctx context.Context, tr xfertransport.Transport, reg *handler.Registry, cfg config.ServerConfig, logger *slog.Logger) {
	for {
		conn, err := tr.Accept(ctx)
		if err != nil {
			logger.Error("accept failed", "error", err)
			return
		}
		go handleConn(ctx, conn, reg, cfg, logger)
	}
}

// handleConn serves one client channel to completion. Streams are
// accepted write-then-read to match the fixed open order the client
// side (and quictransport's own doc comment) commits to.
func handleConn(ctx context.Context, conn xfertransport.Conn, reg *handler.Registry, cfg config.ServerConfig, logger *slog.Logger) {
	defer conn.Close()

	o := orchestrator.New(orchestrator.Server, reg, orchestrator.Config{
		Capacity:          cfg.TransferContexts,
		MaxPendingBytes:   cfg.MaxPendingBytes,
		MaxChunkSizeBytes: cfg.MaxChunkSizeBytes,
		MaxRetries:        cfg.MaxRetries,
		ChunkTimeout:      cfg.ChunkTimeout,
	}, logger)

	for _, dir := range [2]xfertransport.Direction{xfertransport.StreamWrite, xfertransport.StreamRead} {
		stream, err := conn.AcceptStream(ctx, dir)
		if err != nil {
			logger.Error("accepting stream failed", "direction", dir, "remote", conn.RemoteAddr(), "error", err)
			return
		}
		o.BindStream(dir, stream)
	}

	if err := o.Serve(ctx); err != nil {
		logger.Warn("connection ended", "remote", conn.RemoteAddr(), "error", err)
	}
}
