package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lcx/peerlink/config"
)

// LogAppender is an output destination for formatted log lines.
type LogAppender interface {
	io.Writer
	// Refresh reopens or re-reads whatever the appender depends on.
	Refresh()
	// Close releases the destination. Writes after Close may reopen it.
	Close() error
}

// ConsoleAppender writes to stdout.
type ConsoleAppender struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsoleAppender returns an appender on os.Stdout.
func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{out: os.Stdout}
}

// Write writes one line; concurrent lines do not interleave.
func (a *ConsoleAppender) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.out.Write(p)
}

// Refresh does nothing for stdout.
func (a *ConsoleAppender) Refresh() {}

// Close leaves stdout open.
func (a *ConsoleAppender) Close() error { return nil }

// FileAppender appends to a file and rotates it by size. A rotated file keeps
// its name with a timestamp suffix.
type FileAppender struct {
	mu      sync.Mutex
	path    string
	splitMB int
	file    *os.File
	size    int64
	now     func() time.Time
}

// NewFileAppender takes the path and split size from cfg. The file is opened
// on the first write.
func NewFileAppender(cfg *LogCfg) *FileAppender {
	return &FileAppender{
		path:    cfg.LogPath,
		splitMB: cfg.FileSplitMB,
		now:     time.Now,
	}
}

func (a *FileAppender) open() error {
	if dir := filepath.Dir(a.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	a.file = f
	a.size = info.Size()
	return nil
}

func (a *FileAppender) rotate() error {
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
	rotated := fmt.Sprintf("%s.%s", a.path, a.now().Format("20060102-150405.000"))
	if err := os.Rename(a.path, rotated); err != nil && !os.IsNotExist(err) {
		return err
	}
	return a.open()
}

// Write appends p, rotating first when p would take the file past the
// split size.
func (a *FileAppender) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		if err := a.open(); err != nil {
			return 0, err
		}
	}
	if a.splitMB > 0 && a.size+int64(len(p)) > int64(a.splitMB)<<20 && a.size > 0 {
		if err := a.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := a.file.Write(p)
	a.size += int64(n)
	return n, err
}

// Refresh closes the current handle so the next write reopens the path.
func (a *FileAppender) Refresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
}

// Close closes the current file.
func (a *FileAppender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// OnConfigChanged picks up a new path or split size.
func (a *FileAppender) OnConfigChanged(configName string, newConfig, _ config.Config) error {
	if configName != "logger" {
		return nil
	}
	cfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if cfg.LogPath != a.path && a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
	a.path = cfg.LogPath
	a.splitMB = cfg.FileSplitMB
	return nil
}
