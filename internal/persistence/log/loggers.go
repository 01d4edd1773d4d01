package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/divtosz/prosocial-ai-simulation/internal/sim/env"
)

// StepFilePrefix names the hourly step log files: steps-YYYY-MM-DD-HH.jsonl.zst.
const StepFilePrefix = "steps"

const hourLayout = "2006-01-02-15"

// Options hooks into file rotation. OnClose runs with the path of every
// file the writer finishes, on rotation and on Close.
type Options struct {
	OnClose func(path string)
}

// segment is one open hourly file.
type segment struct {
	hour string
	path string
	file *os.File
	zw   *zstd.Encoder
	buf  *bufio.Writer
}

func openSegment(path, hour string) (*segment, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	// Appending starts a new zstd frame; readers see one continuous stream.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{hour: hour, path: path, file: f, zw: zw, buf: bufio.NewWriterSize(zw, 128<<10)}, nil
}

// writeLine appends one line and flushes it through to the file, so a crash
// loses at most the line being written.
func (s *segment) writeLine(b []byte) error {
	if _, err := s.buf.Write(b); err != nil {
		return err
	}
	if err := s.buf.WriteByte('\n'); err != nil {
		return err
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.zw.Flush()
}

func (s *segment) close() error {
	return errors.Join(s.buf.Flush(), s.zw.Close(), s.file.Close())
}

// HourlyWriter appends JSON lines to zstd files, one file per UTC hour.
type HourlyWriter struct {
	dir     string
	prefix  string
	onClose func(path string)
	now     func() time.Time

	mu  sync.Mutex
	cur *segment
}

func NewHourlyWriter(dir, prefix string, opts Options) *HourlyWriter {
	return &HourlyWriter{dir: dir, prefix: prefix, onClose: opts.OnClose, now: time.Now}
}

func (w *HourlyWriter) path(hour string) string {
	return filepath.Join(w.dir, w.prefix+"-"+hour+".jsonl.zst")
}

func (w *HourlyWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	hour := w.now().UTC().Format(hourLayout)
	if w.cur == nil || w.cur.hour != hour {
		if err := w.finish(); err != nil {
			return err
		}
		seg, err := openSegment(w.path(hour), hour)
		if err != nil {
			return err
		}
		w.cur = seg
	}
	return w.cur.writeLine(b)
}

// Close finishes the open file. The writer stays usable; the next Write
// reopens the current hour.
func (w *HourlyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finish()
}

func (w *HourlyWriter) finish() error {
	if w.cur == nil {
		return nil
	}
	seg := w.cur
	w.cur = nil
	err := seg.close()
	if w.onClose != nil {
		w.onClose(seg.path)
	}
	return err
}

// StepLogger writes one JSONL entry per reset and step. It is an
// env.StepRecorder.
type StepLogger struct{ w *HourlyWriter }

func NewStepLogger(dataDir string) *StepLogger {
	return NewStepLoggerWithOptions(dataDir, Options{})
}

func NewStepLoggerWithOptions(dataDir string, opts Options) *StepLogger {
	return &StepLogger{w: NewHourlyWriter(StepDir(dataDir), StepFilePrefix, opts)}
}

func (l *StepLogger) WriteStep(v env.StepLogEntry) error { return l.w.Write(v) }
func (l *StepLogger) Close() error                       { return l.w.Close() }

// StepDir is where NewStepLogger writes under dataDir.
func StepDir(dataDir string) string { return filepath.Join(dataDir, "steps") }
