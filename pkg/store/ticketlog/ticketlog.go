// Package ticketlog journals closed-session tickets as JSON lines in a
// size- and age-rotated file. Rotated files are optionally gzip compressed
// and pruned to a fixed count.
package ticketlog

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radiusd/pkg/session"
)

// Config configures the journal
type Config struct {
	// Directory holds the current and rotated files
	Directory string
	// Prefix names the files: <prefix>.log, <prefix>-<timestamp>.log[.gz]
	Prefix string
	// MaxSizeBytes rotates the current file once it reaches this size
	MaxSizeBytes int64
	// MaxAge rotates the current file once it is this old
	MaxAge time.Duration
	// MaxFiles is the number of rotated files kept
	MaxFiles int
	// Compress gzips rotated files
	Compress bool
	FileMode os.FileMode
	DirMode  os.FileMode
}

// DefaultConfig returns the journal defaults
func DefaultConfig() Config {
	return Config{
		Directory:    "/var/log/radiusd",
		Prefix:       "tickets",
		MaxSizeBytes: 100 * 1024 * 1024,
		MaxAge:       24 * time.Hour,
		MaxFiles:     30,
		Compress:     true,
		FileMode:     0640,
		DirMode:      0750,
	}
}

// Stats describes the journal
type Stats struct {
	CurrentFile string
	CurrentSize int64
	Writes      int64
	Rotations   int64
	Errors      int64
}

// Writer is a TicketSink appending to a rotated file
type Writer struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	file     *os.File
	path     string
	size     int64
	openedAt time.Time

	writes    int64
	rotations int64
	errors    int64

	// pending compressions
	wg sync.WaitGroup
}

// Open creates the directory if needed and opens the current file for append
func Open(cfg Config, logger *zap.Logger) (*Writer, error) {
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = def.MaxSizeBytes
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = def.MaxFiles
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = def.FileMode
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = def.DirMode
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.Directory, cfg.DirMode); err != nil {
		return nil, fmt.Errorf("failed to create ticket log directory: %w", err)
	}

	w := &Writer{cfg: cfg, logger: logger, now: time.Now}
	if err := w.open(); err != nil {
		return nil, fmt.Errorf("failed to open ticket log: %w", err)
	}

	logger.Info("Ticket log opened",
		zap.String("file", w.path),
		zap.Int64("max_size_bytes", cfg.MaxSizeBytes),
		zap.Duration("max_age", cfg.MaxAge),
		zap.Int("max_files", cfg.MaxFiles),
		zap.Bool("compress", cfg.Compress),
	)
	return w, nil
}

// WriteTicket appends t as one JSON line, rotating first when due
func (w *Writer) WriteTicket(ctx context.Context, t *session.Ticket) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal ticket %s: %w", t.ID, err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return os.ErrClosed
	}
	if w.dueLocked() {
		if err := w.rotateLocked(); err != nil {
			w.errors++
			w.logger.Error("Failed to rotate ticket log", zap.Error(err))
			if w.file == nil {
				return err
			}
		}
	}

	n, err := w.file.Write(data)
	w.size += int64(n)
	if err != nil {
		w.errors++
		return fmt.Errorf("failed to write ticket %s: %w", t.ID, err)
	}
	w.writes++
	return nil
}

// Rotate forces a rotation
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

// Close syncs and closes the current file and waits for compressions
func (w *Writer) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		if serr := w.file.Sync(); serr != nil {
			w.logger.Warn("Failed to sync ticket log", zap.Error(serr))
		}
		err = w.file.Close()
		w.file = nil
	}
	writes, rotations := w.writes, w.rotations
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("Ticket log closed",
		zap.Int64("writes", writes),
		zap.Int64("rotations", rotations),
	)
	return err
}

// Stats returns journal counters
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		CurrentFile: w.path,
		CurrentSize: w.size,
		Writes:      w.writes,
		Rotations:   w.rotations,
		Errors:      w.errors,
	}
}

func (w *Writer) dueLocked() bool {
	if w.size >= w.cfg.MaxSizeBytes {
		return true
	}
	return w.now().Sub(w.openedAt) >= w.cfg.MaxAge
}

func (w *Writer) open() error {
	path := filepath.Join(w.cfg.Directory, w.cfg.Prefix+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, w.cfg.FileMode)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.path = path
	w.size = info.Size()
	w.openedAt = w.now()
	return nil
}

func (w *Writer) rotateLocked() error {
	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			w.logger.Warn("Failed to sync ticket log before rotation", zap.Error(err))
		}
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close ticket log: %w", err)
		}
		w.file = nil
	}

	rotated := w.rotatedName()
	if err := os.Rename(w.path, rotated); err != nil {
		// keep appending to the same file
		if oerr := w.open(); oerr != nil {
			return fmt.Errorf("failed to reopen ticket log: %w", oerr)
		}
		return fmt.Errorf("failed to rename ticket log: %w", err)
	}

	if err := w.open(); err != nil {
		return fmt.Errorf("failed to open new ticket log: %w", err)
	}
	w.rotations++

	if w.cfg.Compress {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.compress(rotated)
			w.prune()
		}()
	} else {
		w.prune()
	}

	w.logger.Info("Ticket log rotated",
		zap.String("rotated", rotated),
		zap.Int64("rotations", w.rotations),
	)
	return nil
}

// rotatedName is unique even for several rotations within one second
func (w *Writer) rotatedName() string {
	ts := w.now().Format("20060102-150405")
	base := filepath.Join(w.cfg.Directory, w.cfg.Prefix+"-"+ts)
	name := base + ".log"
	for i := 1; exists(name) || exists(name+".gz"); i++ {
		name = fmt.Sprintf("%s.%d.log", base, i)
	}
	return name
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (w *Writer) compress(path string) {
	src, err := os.Open(path)
	if err != nil {
		w.logger.Warn("Failed to open ticket log for compression", zap.Error(err))
		return
	}
	defer src.Close()

	gzPath := path + ".gz"
	dst, err := os.OpenFile(gzPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, w.cfg.FileMode)
	if err != nil {
		w.logger.Warn("Failed to create compressed ticket log", zap.Error(err))
		return
	}

	gz := gzip.NewWriter(dst)
	_, err = io.Copy(gz, src)
	if err == nil {
		err = gz.Close()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		w.logger.Warn("Failed to compress ticket log", zap.String("file", path), zap.Error(err))
		os.Remove(gzPath)
		return
	}

	src.Close()
	if err := os.Remove(path); err != nil {
		w.logger.Warn("Failed to remove ticket log after compression", zap.Error(err))
	}
}

// prune removes the oldest rotated files beyond MaxFiles
func (w *Writer) prune() {
	pattern := filepath.Join(w.cfg.Directory, w.cfg.Prefix+"-*.log*")
	files, err := filepath.Glob(pattern)
	if err != nil {
		w.logger.Warn("Failed to list rotated ticket logs", zap.Error(err))
		return
	}
	if len(files) <= w.cfg.MaxFiles {
		return
	}

	type entry struct {
		path string
		mod  time.Time
	}
	entries := make([]entry, 0, len(files))
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		entries = append(entries, entry{f, info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].mod.Equal(entries[j].mod) {
			return entries[i].path < entries[j].path
		}
		return entries[i].mod.Before(entries[j].mod)
	})

	for _, e := range entries[:max(0, len(entries)-w.cfg.MaxFiles)] {
		if err := os.Remove(e.path); err != nil {
			w.logger.Warn("Failed to remove old ticket log", zap.String("file", e.path), zap.Error(err))
		}
	}
}
