package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"scentd/internal/config"
	"scentd/internal/model"
	"scentd/internal/observability"
)

const sourceTCP = "tcp_stream"

// StartTCPStream accepts line-oriented connections from serial and GSM
// bridges. Each connection gets its own parser so CSV headers stay per
// stream.
func StartTCPStream(ctx context.Context, cfg *config.Manager, out chan<- model.Reading, logger *slog.Logger, metrics *observability.Metrics) {
	current := cfg.Get().Ingest
	if !current.TCPStream.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", current.TCPStream.Addr)
	}
	ln, err := net.Listen("tcp", current.TCPStream.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
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
			go handleTCPStreamConn(ctx, conn, NewParser(current.Parser.Timezone), out, logger, metrics)
		}
	}()
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, parser *Parser, out chan<- model.Reading, logger *slog.Logger, metrics *observability.Metrics) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		handleLine(ctx, parser, scanner.Text(), sourceTCP, out, logger, metrics)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && logger != nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}
