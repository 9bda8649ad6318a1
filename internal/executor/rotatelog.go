package executor

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// rotatingLog is a minimal size-rotated log file: once the active file
// exceeds maxLogBytes, it is renamed to a ".1" generation (an existing
// ".1" is dropped first, so exactly 2 generations are kept) and a fresh
// active file is opened.
//
// No library in the example pack provides log rotation (DESIGN.md notes
// this as a justified stdlib exception); the rename-to-generation
// technique mirrors arkeep's atomic-rename state-file idiom
// (server/internal/state/store.go) applied to a log file instead of a
// state snapshot.
type rotatingLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
}

const maxLogBytes = 1 << 20 // 1 MiB

func openRotatingLog(path string) (*rotatingLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	size := int64(0)
	if err == nil {
		size = info.Size()
	}
	return &rotatingLog{path: path, f: f, size: size}, nil
}

func (r *rotatingLog) WriteLine(stream, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return
	}
	msg := fmt.Sprintf("%s [%s] %s\n", time.Now().UTC().Format(time.RFC3339Nano), stream, line)
	n, err := r.f.WriteString(msg)
	if err != nil {
		return
	}
	r.size += int64(n)
	if r.size >= maxLogBytes {
		r.rotate()
	}
}

func (r *rotatingLog) rotate() {
	r.f.Close()
	gen1 := r.path + ".1"
	os.Remove(gen1)
	os.Rename(r.path, gen1)
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.f = nil
		return
	}
	r.f = f
	r.size = 0
}

func (r *rotatingLog) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f != nil {
		r.f.Close()
		r.f = nil
	}
}
