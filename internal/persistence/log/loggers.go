package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"citystream.ai/internal/sim/world"
)

// Journal appends JSON lines to zstd files rotated every hour (UTC). Each
// Write flushes a zstd block, so lines are readable before Close and survive a
// crash of the process.
type Journal struct {
	dir    string
	prefix string

	now func() time.Time

	mu    sync.Mutex
	hour  string
	lines uint64
	f     *os.File
	enc   *zstd.Encoder
	buf   *bufio.Writer
}

func NewJournal(dir, prefix string) *Journal {
	return &Journal{dir: dir, prefix: prefix, now: time.Now}
}

func (j *Journal) Dir() string { return j.dir }

// Lines counts entries written since the journal was created.
func (j *Journal) Lines() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lines
}

func (j *Journal) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if hour := j.now().UTC().Format("2006-01-02-15"); hour != j.hour || j.enc == nil {
		if err := j.openLocked(hour); err != nil {
			return err
		}
	}
	b = append(b, '\n')
	if _, err := j.buf.Write(b); err != nil {
		return err
	}
	if err := j.buf.Flush(); err != nil {
		return err
	}
	if err := j.enc.Flush(); err != nil {
		return err
	}
	j.lines++
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeLocked()
}

func (j *Journal) openLocked(hour string) error {
	if err := j.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(j.dir, fmt.Sprintf("%s-%s.jsonl.zst", j.prefix, hour))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	j.f, j.enc, j.hour = f, enc, hour
	j.buf = bufio.NewWriterSize(enc, 64*1024)
	return nil
}

func (j *Journal) closeLocked() error {
	if j.enc == nil {
		return nil
	}
	var errs []error
	if err := j.buf.Flush(); err != nil {
		errs = append(errs, err)
	}
	if err := j.enc.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := j.f.Close(); err != nil {
		errs = append(errs, err)
	}
	j.f, j.enc, j.buf = nil, nil, nil
	return errors.Join(errs...)
}

// TickLogger writes one entry per eventful tick.
type TickLogger struct{ w *Journal }

func NewTickLogger(worldDir string) *TickLogger {
	return &TickLogger{w: NewJournal(filepath.Join(worldDir, "ticks"), "ticks")}
}

func (l *TickLogger) WriteTick(v world.TickLogEntry) error { return l.w.Write(v) }
func (l *TickLogger) Close() error                         { return l.w.Close() }

// MutationLogger journals every network edit, applied or rejected. Replaying
// the journal over freshly designed cells reproduces the edited city.
type MutationLogger struct{ w *Journal }

func NewMutationLogger(worldDir string) *MutationLogger {
	return &MutationLogger{w: NewJournal(filepath.Join(worldDir, "mutations"), "mutations")}
}

func (l *MutationLogger) WriteMutation(v world.MutationLogEntry) error { return l.w.Write(v) }
func (l *MutationLogger) Close() error                                 { return l.w.Close() }
