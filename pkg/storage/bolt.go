package storage

import (
	"encoding/binary"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// boltStore implements Store on top of a single bbolt database file, one
// bucket per named table.
type boltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt-backed Store rooted
// at dataDir/readercred.db.
func NewBoltStore(dataDir string) (Store, error) {
	dbPath := filepath.Join(dataDir, "readercred.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Table(name string) Table {
	return &boltTable{db: s.db, bucket: []byte(name)}
}

func (s *boltStore) TableWithTTL(name string, ttl time.Duration) Table {
	return &boltTable{db: s.db, bucket: []byte(name), ttl: ttl}
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

// boltTable prefixes every stored value with an 8-byte big-endian unix
// nanosecond expiry (0 if the table carries no TTL) so expiration survives
// process restarts, which a pure in-memory deadline could not.
type boltTable struct {
	db     *bolt.DB
	bucket []byte
	ttl    time.Duration
}

func (t *boltTable) ensureBucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	return tx.CreateBucketIfNotExists(t.bucket)
}

func encodeEntry(value []byte, expiresAt time.Time) []byte {
	buf := make([]byte, 8+len(value))
	var nanos int64
	if !expiresAt.IsZero() {
		nanos = expiresAt.UnixNano()
	}
	binary.BigEndian.PutUint64(buf[:8], uint64(nanos))
	copy(buf[8:], value)
	return buf
}

func decodeEntry(raw []byte) (value []byte, expiresAt time.Time, expired bool) {
	nanos := int64(binary.BigEndian.Uint64(raw[:8]))
	value = raw[8:]
	if nanos == 0 {
		return value, time.Time{}, false
	}
	expiresAt = time.Unix(0, nanos)
	return value, expiresAt, time.Now().After(expiresAt)
}

func (t *boltTable) newExpiry() time.Time {
	if t.ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(t.ttl)
}

func (t *boltTable) Insert(key string, value []byte) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		b, err := t.ensureBucket(tx)
		if err != nil {
			return err
		}
		if existing := b.Get([]byte(key)); existing != nil {
			if _, _, expired := decodeEntry(existing); !expired {
				return &duplicateKeyError{key: key}
			}
		}
		return b.Put([]byte(key), encodeEntry(value, t.newExpiry()))
	})
}

func (t *boltTable) InsertAutoKey(value []byte) (string, error) {
	key := NewAutoKey()
	err := t.db.Update(func(tx *bolt.Tx) error {
		b, err := t.ensureBucket(tx)
		if err != nil {
			return err
		}
		for b.Get([]byte(key)) != nil {
			key = NewAutoKey()
		}
		return b.Put([]byte(key), encodeEntry(value, t.newExpiry()))
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (t *boltTable) Get(key string) ([]byte, error) {
	var out []byte
	err := t.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)
		if b == nil {
			return ErrNotFound
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		value, _, expired := decodeEntry(raw)
		if expired {
			return ErrNotFound
		}
		out = append([]byte(nil), value...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *boltTable) GetAndDelete(key string) ([]byte, error) {
	var out []byte
	err := t.db.Update(func(tx *bolt.Tx) error {
		b, err := t.ensureBucket(tx)
		if err != nil {
			return err
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		value, _, expired := decodeEntry(raw)
		if expired {
			_ = b.Delete([]byte(key))
			return ErrNotFound
		}
		out = append([]byte(nil), value...)
		return b.Delete([]byte(key))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *boltTable) Update(key string, value []byte) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		b, err := t.ensureBucket(tx)
		if err != nil {
			return err
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		_, expiresAt, expired := decodeEntry(raw)
		if expired {
			return ErrNotFound
		}
		return b.Put([]byte(key), encodeEntry(value, expiresAt))
	})
}

func (t *boltTable) Delete(key string) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		b, err := t.ensureBucket(tx)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}

func (t *boltTable) Enumerate() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := t.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, raw []byte) error {
			value, _, expired := decodeEntry(raw)
			if expired {
				return nil
			}
			out[string(k)] = append([]byte(nil), value...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
