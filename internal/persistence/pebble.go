package persistence

import (
	"context"
	"errors"

	"github.com/cockroachdb/pebble"
)

// PebbleStore keeps snapshot blobs in an embedded Pebble database.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) Name() string { return "pebble" }

// keys: snap:<key>
func kSnapshot(key string) []byte { return append([]byte("snap:"), key...) }

func (s *PebbleStore) Load(_ context.Context, key string) ([]byte, error) {
	val, closer, err := s.db.Get(kSnapshot(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (s *PebbleStore) Save(_ context.Context, key string, blob []byte) error {
	return s.db.Set(kSnapshot(key), blob, pebble.Sync)
}

func (s *PebbleStore) Delete(_ context.Context, key string) error {
	return s.db.Delete(kSnapshot(key), pebble.Sync)
}
