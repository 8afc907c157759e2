package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"fleetalerts/internal/config"
)

// StartUDP reads datagrams of one or more newline separated samples.
func StartUDP(ctx context.Context, cfg *config.Manager, parser *Parser, sink Sink, logger *slog.Logger) {
	current := cfg.Get().Ingest.UDP
	if !current.Enabled {
		if logger != nil {
			logger.Info("udp ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("udp ingest enabled", "addr", current.Addr)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("udp resolve error", "err", err)
		}
		return
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		if logger != nil {
			logger.Error("udp listen error", "err", err)
		}
		return
	}
	go ServeUDP(ctx, conn, cfg, parser, sink, logger)
}

// ServeUDP reads from conn until ctx is done, then closes it.
func ServeUDP(ctx context.Context, conn *net.UDPConn, cfg *config.Manager, parser *Parser, sink Sink, logger *slog.Logger) {
	defer conn.Close()
	buf := make([]byte, 8192)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if logger != nil {
				logger.Warn("udp read error", "err", err)
			}
			continue
		}
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			processLine(ctx, cfg, parser, sink, logger, "udp", line)
		}
	}
}
