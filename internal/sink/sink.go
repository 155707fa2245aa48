package sink

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/curbz/skyguard/internal/model"
)

// ErrSinkWrite wraps every failure to persist an aircraft's upload.
var ErrSinkWrite = errors.New("sink write error")

type Config struct {
	Dir      string `yaml:"dir"`
	Compress bool   `yaml:"compress"`
}

// Upload receives one aircraft's EXIT payload. Close commits it, Abort
// discards whatever was written so far.
type Upload interface {
	io.WriteCloser
	Abort() error
}

// Opener creates the destination for one aircraft's EXIT payload.
type Opener interface {
	Open(id model.AircraftID) (Upload, error)
}

// Files writes each payload to its own file in Dir, named after the aircraft.
// With Compress set the file is zstd compressed and gets a .zst suffix.
type Files struct {
	Dir      string
	Compress bool
}

func NewFiles(cfg Config) *Files {
	dir := cfg.Dir
	if dir == "" {
		dir = "flight-data"
	}
	return &Files{Dir: dir, Compress: cfg.Compress}
}

func (f *Files) Path(id model.AircraftID) string {
	name := fmt.Sprintf("aircraft-%03d.dat", uint8(id))
	if f.Compress {
		name += ".zst"
	}
	return filepath.Join(f.Dir, name)
}

// Open writes to a .partial file next to the final path. Close renames it
// into place; Abort removes it.
func (f *Files) Open(id model.AircraftID) (Upload, error) {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrSinkWrite, f.Dir, err)
	}
	final := f.Path(id)
	file, err := os.Create(final + partialSuffix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSinkWrite, err)
	}
	w := &wrapped{w: file, closers: []io.Closer{file}, partial: file.Name(), final: final}
	if !f.Compress {
		return w, nil
	}
	enc, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("%w: zstd: %v", ErrSinkWrite, err)
	}
	w.w = enc
	w.closers = []io.Closer{enc, file}
	return w, nil
}

const partialSuffix = ".partial"

// wrapped tags every error with ErrSinkWrite and closes its layers in order.
type wrapped struct {
	w       io.Writer
	closers []io.Closer
	partial string
	final   string
	done    bool
}

func (w *wrapped) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrSinkWrite, err)
	}
	return n, nil
}

func (w *wrapped) Close() error {
	if w.done {
		return nil
	}
	if err := w.closeLayers(); err != nil {
		os.Remove(w.partial)
		return err
	}
	if err := os.Rename(w.partial, w.final); err != nil {
		os.Remove(w.partial)
		return fmt.Errorf("%w: commit: %v", ErrSinkWrite, err)
	}
	return nil
}

func (w *wrapped) Abort() error {
	if w.done {
		return nil
	}
	w.closeLayers()
	if err := os.Remove(w.partial); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: discard: %v", ErrSinkWrite, err)
	}
	return nil
}

func (w *wrapped) closeLayers() error {
	w.done = true
	var first error
	for _, c := range w.closers {
		if err := c.Close(); err != nil && first == nil {
			first = fmt.Errorf("%w: close: %v", ErrSinkWrite, err)
		}
	}
	return first
}

// Memory keeps payloads in memory. Payload returns only closed uploads.
type Memory struct {
	mu       sync.Mutex
	open     map[model.AircraftID]*bytes.Buffer
	payloads map[model.AircraftID][]byte
	closes   map[model.AircraftID]int
	aborts   map[model.AircraftID]int
}

func NewMemory() *Memory {
	return &Memory{
		open:     make(map[model.AircraftID]*bytes.Buffer),
		payloads: make(map[model.AircraftID][]byte),
		closes:   make(map[model.AircraftID]int),
		aborts:   make(map[model.AircraftID]int),
	}
}

func (m *Memory) Open(id model.AircraftID) (Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := &bytes.Buffer{}
	m.open[id] = buf
	return &memoryWriter{m: m, id: id, buf: buf}, nil
}

func (m *Memory) Payload(id model.AircraftID) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payloads[id]
	return p, ok
}

// Closes counts completed uploads for id.
func (m *Memory) Closes(id model.AircraftID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes[id]
}

// Aborts counts discarded uploads for id.
func (m *Memory) Aborts(id model.AircraftID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborts[id]
}

type memoryWriter struct {
	m   *Memory
	id  model.AircraftID
	buf *bytes.Buffer
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	return w.buf.Write(p)
}

func (w *memoryWriter) Close() error {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	w.m.payloads[w.id] = append([]byte(nil), w.buf.Bytes()...)
	w.m.closes[w.id]++
	delete(w.m.open, w.id)
	return nil
}

func (w *memoryWriter) Abort() error {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	w.m.aborts[w.id]++
	delete(w.m.open, w.id)
	return nil
}
