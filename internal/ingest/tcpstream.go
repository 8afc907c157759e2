package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"fleetalerts/internal/config"
)

// StartTCPStream accepts newline-delimited telemetry over plain TCP.
func StartTCPStream(ctx context.Context, cfg *config.Manager, sink Sink, logger *slog.Logger) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", current.Addr)
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return
	}
	ServeTCPStream(ctx, ln, cfg, sink, logger)
}

// ServeTCPStream serves an existing listener and closes it when ctx is done.
func ServeTCPStream(ctx context.Context, ln net.Listener, cfg *config.Manager, sink Sink, logger *slog.Logger) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go serveTCPStream(ctx, ln, cfg, sink, logger)
}

func serveTCPStream(ctx context.Context, ln net.Listener, cfg *config.Manager, sink Sink, logger *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if logger != nil {
				logger.Warn("tcp stream accept error", "err", err)
			}
			continue
		}
		go handleTCPStreamConn(ctx, conn, cfg, sink, logger)
	}
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, cfg *config.Manager, sink Sink, logger *slog.Logger) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	// CSV header state is per connection.
	connParser := NewParser()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		processLine(ctx, cfg, connParser, sink, logger, "tcp_stream", scanner.Text())
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && logger != nil && ctx.Err() == nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}
