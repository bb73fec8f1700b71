package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"citystream.ai/internal/sim/world"
)

// ListFiles returns the hourly journal files with the given prefix in dir,
// oldest first.
func ListFiles(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ScanJSONL calls fn for every complete line of a zstd JSONL file.
func ScanJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	// A journal that is still open, or was cut off by a crash, ends mid-frame.
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	return nil
}

// ReadMutations streams every entry of the mutation journal under worldDir in
// write order.
func ReadMutations(worldDir string, fn func(world.MutationLogEntry) error) error {
	files, err := ListFiles(filepath.Join(worldDir, "mutations"), "mutations")
	if err != nil {
		return err
	}
	for _, path := range files {
		err := ScanJSONL(path, func(line []byte) error {
			var e world.MutationLogEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			return fn(e)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
