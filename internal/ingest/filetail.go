package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"scentd/internal/config"
	"scentd/internal/model"
	"scentd/internal/observability"
)

const sourceFileTail = "file_tail"

// StartFileTail follows capture files written by the collectors, reopening
// them after truncation or rotation.
func StartFileTail(ctx context.Context, cfg *config.Manager, out chan<- model.Reading, logger *slog.Logger, metrics *observability.Metrics) {
	current := cfg.Get().Ingest
	if !current.FileTail.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range current.FileTail.Files {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.FileTail.StartAtEnd)
		}
		go tailFile(ctx, path, current.FileTail.StartAtEnd, NewParser(current.Parser.Timezone), out, logger, metrics)
	}
}

func tailFile(ctx context.Context, path string, startAtEnd bool, parser *Parser, out chan<- model.Reading, logger *slog.Logger, metrics *observability.Metrics) {
	var file *os.File
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				if logger != nil {
					logger.Warn("tail open failed", "path", path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
			}
		}

		reader := bufio.NewReader(file)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset {
						_ = file.Close()
						file = nil
						startAtEnd = false
						break
					}
					continue
				}
				if logger != nil {
					logger.Warn("tail read error", "path", path, "err", err)
				}
				_ = file.Close()
				file = nil
				break
			}
			offset += int64(len(line))
			handleLine(ctx, parser, line, sourceFileTail, out, logger, metrics)
		}
	}
}
