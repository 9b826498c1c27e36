package world

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Archive mirrors committed world events to hourly-rotated, zstd-compressed
// JSONL files. It is an offline audit trail beside the sqlite log, never a
// source of truth. Failed writes are counted, not retried.
type Archive struct {
	baseDir string
	prefix  string
	log     *log.Logger

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	lines   int64
	dropped int64
}

func NewArchive(baseDir, prefix string, logger *log.Logger) *Archive {
	return &Archive{baseDir: baseDir, prefix: prefix, log: logger}
}

func (a *Archive) Write(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != a.curHour {
		if err := a.rotateLocked(hour); err != nil {
			a.dropped++
			return err
		}
	}
	if _, err := a.w.Write(line); err != nil {
		a.dropped++
		return err
	}
	a.lines++
	return a.w.Flush()
}

func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dropped > 0 {
		a.log.Printf("archive: %d events dropped over the run", a.dropped)
	}
	return a.closeLocked()
}

func (a *Archive) rotateLocked(hour string) error {
	if a.curHour != "" {
		a.log.Printf("archive: closing %s (%d events, %d dropped)", a.curHour, a.lines, a.dropped)
	}
	if err := a.closeLocked(); err != nil {
		return err
	}

	path := filepath.Join(a.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", a.prefix, hour))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	a.f, a.enc = f, enc
	a.w = bufio.NewWriterSize(enc, 128*1024)
	a.curHour = hour
	a.lines = 0
	return nil
}

func (a *Archive) closeLocked() error {
	var encErr error
	if a.w != nil {
		_ = a.w.Flush()
	}
	if a.enc != nil {
		encErr = a.enc.Close()
	}
	if a.f != nil {
		_ = a.f.Close()
	}
	a.f, a.enc, a.w = nil, nil, nil
	return encErr
}
