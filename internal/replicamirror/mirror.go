// Package replicamirror persists every mutating StoreInstruction a room
// applies to an append-only, snappy-compressed log, independent of the
// room's own snapshot. It serves as an external durability/mirroring
// sink: the log is never read back into a Store by this process, the
// same way a dedicated replay writer streams an event log it never
// replays itself.
package replicamirror

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"

	"driftdb/internal/store"
)

// Writer appends mirrored StoreInstructions for one room to a
// newline-delimited, snappy-compressed log file.
type Writer struct {
	mu     sync.Mutex
	roomID string
	file   *os.File
	stream *snappy.Writer
	now    func() time.Time
}

// mirroredInstruction is the on-disk record shape: the instruction plus
// the wall-clock time it was mirrored, so an operator inspecting the log
// can correlate it against other observability data.
type mirroredInstruction struct {
	MirroredAt string                 `json:"mirrored_at"`
	Instruction store.StoreInstruction `json:"instruction"`
}

// Open creates (or appends to) the mirror log file for roomID under dir.
func Open(dir, roomID string, clock func() time.Time) (*Writer, error) {
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("replicamirror: create directory %q: %w", dir, err)
	}
	path := filepath.Join(dir, roomID+".jsonl.sz")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("replicamirror: open %q: %w", path, err)
	}
	return &Writer{
		roomID: roomID,
		file:   file,
		stream: snappy.NewBufferedWriter(file),
		now:    clock,
	}, nil
}

// Append mirrors one applied instruction. It is safe to pass as a
// database.Database replica callback directly.
func (w *Writer) Append(instruction store.StoreInstruction) {
	if w == nil {
		return
	}
	record := mirroredInstruction{
		MirroredAt:  w.now().UTC().Format(time.RFC3339Nano),
		Instruction: instruction,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.stream.Write(line); err != nil {
		return
	}
	if _, err := w.stream.Write([]byte("\n")); err != nil {
		return
	}
	_ = w.stream.Flush()
}

// Close flushes and releases the underlying file handle.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.stream.Close(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}
