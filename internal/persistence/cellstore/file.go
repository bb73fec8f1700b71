package cellstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"citystream.ai/internal/sim/world/cells"
)

// FileStore keeps one file per cell, named <cx>_<cz>.bin (or .bin.zst when
// compressed).
type FileStore struct {
	dir      string
	compress bool
	log      *log.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewFileStore(dir string, compress bool, logger *log.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("cellstore: empty dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &FileStore{dir: dir, compress: compress, log: logger}
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, err
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			_ = enc.Close()
			return nil, err
		}
		s.enc, s.dec = enc, dec
	}
	return s, nil
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Path(k cells.Key) string {
	name := fmt.Sprintf("%d_%d.bin", k.CX, k.CZ)
	if s.compress {
		name += ".zst"
	}
	return filepath.Join(s.dir, name)
}

func (s *FileStore) Load(k cells.Key) (Record, bool) {
	path := s.Path(k)
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logf("read %s: %v", path, err)
		}
		return Record{}, false
	}
	if s.compress {
		b, err = s.dec.DecodeAll(b, nil)
		if err != nil {
			s.logf("decompress %s: %v", path, err)
			return Record{}, false
		}
	}
	r, err := Decode(b)
	if err != nil {
		s.logf("decode %s: %v", path, err)
		return Record{}, false
	}
	if r.Key != k {
		s.logf("%s holds cell %s", path, r.Key)
		return Record{}, false
	}
	return r, true
}

func (s *FileStore) Save(k cells.Key, r Record) error {
	r.Key = k
	b, err := Encode(r)
	if err != nil {
		return err
	}
	if s.compress {
		b = s.enc.EncodeAll(b, nil)
	}
	return writeFileAtomic(s.Path(k), b)
}

func (s *FileStore) Close() error {
	if s.dec != nil {
		s.dec.Close()
	}
	if s.enc != nil {
		return s.enc.Close()
	}
	return nil
}

func (s *FileStore) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func writeFileAtomic(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cell-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}
