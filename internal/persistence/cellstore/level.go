package cellstore

import (
	"errors"

	"github.com/df-mc/goleveldb/leveldb"
)

// LevelKV keeps items in a leveldb directory.
type LevelKV struct {
	db *leveldb.DB
}

func OpenLevelKV(path string) (*LevelKV, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelKV{db: db}, nil
}

func (l *LevelKV) GetItem(key string) (string, bool, error) {
	v, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(v), true, nil
}

func (l *LevelKV) SetItem(key, value string) error {
	return l.db.Put([]byte(key), []byte(value), nil)
}

func (l *LevelKV) Close() error { return l.db.Close() }
