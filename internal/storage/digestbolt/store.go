package digestbolt

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"p2p-files/internal/catalog"
	"p2p-files/internal/digest"
)

const (
	bDigests = "digests_by_path"

	defaultTO = 2 * time.Second
)

type record struct {
	Size    int64            `json:"size"`
	ModTime int64            `json:"mtime"` // unix nanoseconds
	Algo    digest.Algorithm `json:"algo"`
	Hash    string           `json:"hash"`
}

// Store is a BoltDB-backed catalog.Cache. Entries are keyed by absolute path
// and only trusted while size and modification time still match.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) a BoltDB database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTO})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bDigests))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Lookup returns the cached digest of path if the file has not changed since
// it was stored.
func (s *Store) Lookup(path string, size int64, mod time.Time, algo digest.Algorithm) (string, bool) {
	var hit string
	_ = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bDigests)).Get([]byte(path))
		if raw == nil {
			return nil
		}
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			// Corrupt entry: treat as a miss, Remember overwrites it.
			return nil
		}
		if r.Size == size && r.ModTime == mod.UnixNano() && r.Algo == algo {
			hit = r.Hash
		}
		return nil
	})
	return hit, hit != ""
}

// Remember stores the digest of path.
func (s *Store) Remember(path string, size int64, mod time.Time, algo digest.Algorithm, hash string) error {
	if path == "" || hash == "" {
		return errors.New("missing path or hash")
	}
	val, err := json.Marshal(record{Size: size, ModTime: mod.UnixNano(), Algo: algo, Hash: hash})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bDigests)).Put([]byte(path), val)
	})
}

// Retain deletes every entry whose path is not in keep and returns how many
// were removed.
func (s *Store) Retain(keep map[string]bool) (int, error) {
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bDigests))
		var stale [][]byte
		if err := b.ForEach(func(k, _ []byte) error {
			if !keep[string(k)] {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

// Len returns the number of cached entries.
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bDigests)).Stats().KeyN
		return nil
	})
	return n, err
}

// Compile-time check that Store satisfies the interface.
var _ catalog.Cache = (*Store)(nil)
