// Command chunkwire-client drives a single get or put transfer
// against a chunkwire-server: "get <path> [local-path]" reads a
// server-side file; "put <path> [local-path]" writes one.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/chunkwire/chunkwire/internal/config"
	"github.com/chunkwire/chunkwire/internal/fshandler"
	"github.com/chunkwire/chunkwire/internal/logging"
	"github.com/chunkwire/chunkwire/internal/orchestrator"
	"github.com/chunkwire/chunkwire/internal/xfertransport"
	"github.com/chunkwire/chunkwire/internal/xfertransport/quictransport"
	"github.com/chunkwire/chunkwire/internal/xfertransport/webrtctransport"
	"github.com/chunkwire/chunkwire/internal/xfertransport/wstransport"
	"github.com/chunkwire/chunkwire/pkg/chunk"
)

func main() {
	cfg, args, err := config.ParseClientConfigArgs()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: chunkwire-client [flags] get|put <remote-path> [local-path]")
		os.Exit(2)
	}
	command, remotePath := args[0], args[1]
	localPath := remotePath
	if len(args) > 2 {
		localPath = args[2]
	}

	logger := logging.New("chunkwire-client", cfg.LogLevel, cfg.LogFormat)

	var tr xfertransport.Transport
	switch cfg.Transport {
	case "quic":
		tr = quictransport.NewClient(cfg.ServerAddr)
	case "ws":
		tr = wstransport.NewClient(fmt.Sprintf("ws://%s/chunkwire", cfg.ServerAddr))
	case "webrtc":
		tr = webrtctransport.NewClient(cfg.ServerAddr, webrtctransport.Config{StunServers: cfg.StunServers, Logger: logger})
	default:
		fmt.Fprintf(os.Stderr, "unknown transport %q\n", cfg.Transport)
		os.Exit(2)
	}

	ctx := context.Background()
	conn, err := tr.Dial(ctx)
	if err != nil {
		logger.Error("dial failed", "server_addr", cfg.ServerAddr, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	// Open write-then-read to match the order the server accepts in.
	writeStream, err := conn.OpenStream(ctx, xfertransport.StreamWrite)
	if err != nil {
		logger.Error("opening write stream failed", "error", err)
		os.Exit(1)
	}
	readStream, err := conn.OpenStream(ctx, xfertransport.StreamRead)
	if err != nil {
		logger.Error("opening read stream failed", "error", err)
		os.Exit(1)
	}

	o := orchestrator.New(orchestrator.Client, nil, orchestrator.Config{
		Capacity:          cfg.TransferContexts,
		MaxPendingBytes:   cfg.MaxPendingBytes,
		MaxChunkSizeBytes: cfg.MaxChunkSizeBytes,
		MaxRetries:        cfg.MaxRetries,
		ChunkTimeout:      cfg.ChunkTimeout,
	}, logger)
	o.BindStream(xfertransport.StreamWrite, writeStream)
	o.BindStream(xfertransport.StreamRead, readStream)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	serveErr := make(chan error, 1)
	go func() { serveErr <- o.Serve(serveCtx) }()

	id := fshandler.IDFor(remotePath)

	var wg sync.WaitGroup
	wg.Add(1)
	var final chunk.Status
	onDone := func(s chunk.Status) {
		final = s
		wg.Done()
	}

	switch command {
	case "get":
		w, closeFn, err := fshandler.CreateWriter(localPath)
		if err != nil {
			logger.Error("opening local file for write failed", "path", localPath, "error", err)
			os.Exit(1)
		}
		defer closeFn()
		if err := o.Read(id, w, onDone); err != nil {
			logger.Error("starting read transfer failed", "transfer_id", id, "error", err)
			os.Exit(1)
		}
	case "put":
		r, closeFn, err := fshandler.OpenReader(localPath)
		if err != nil {
			logger.Error("opening local file for read failed", "path", localPath, "error", err)
			os.Exit(1)
		}
		defer closeFn()
		if err := o.Write(id, r, onDone); err != nil {
			logger.Error("starting write transfer failed", "transfer_id", id, "error", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want get or put)\n", command)
		os.Exit(2)
	}

	wg.Wait()
	cancel()
	<-serveErr

	if final != chunk.StatusOK {
		logger.Error("transfer failed", "transfer_id", id, "status", final)
		os.Exit(1)
	}
	logger.Info("transfer complete", "command", command, "transfer_id", id, "remote_path", remotePath, "local_path", localPath)
}
