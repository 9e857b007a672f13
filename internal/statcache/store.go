package statcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store is the persistence capability behind the factor cache. A store
// holds opaque JSON blobs keyed by content fingerprint together with
// their creation time. Implementations must tolerate concurrent reads
// from independent backtests but are never mutated from two goroutines
// of the same run.
type Store interface {
	// Get loads the blob for key into dest. The boolean reports whether
	// the key was present and decodable.
	Get(ctx context.Context, key string, dest interface{}) (found bool, createdAt time.Time, err error)

	// Set writes the blob for key, stamping it with the current time.
	Set(ctx context.Context, key string, value interface{}) error
}

// envelope wraps every stored blob with creation metadata.
type envelope struct {
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// DiskStore persists blobs as JSON files under a directory, one file per
// fingerprint.
type DiskStore struct {
	dir string
}

// NewDiskStore creates the directory if needed.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

func (s *DiskStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Get implements Store.
func (s *DiskStore) Get(_ context.Context, key string, dest interface{}) (bool, time.Time, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, fmt.Errorf("read cache entry: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false, time.Time{}, fmt.Errorf("decode cache entry: %w", err)
	}
	if err := json.Unmarshal(env.Payload, dest); err != nil {
		return false, time.Time{}, fmt.Errorf("decode cache payload: %w", err)
	}

	return true, env.CreatedAt, nil
}

// Set implements Store. The write goes through a temp file and rename so
// a crashed run never leaves a truncated entry behind.
func (s *DiskStore) Set(_ context.Context, key string, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache payload: %w", err)
	}
	data, err := json.Marshal(envelope{CreatedAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		return fmt.Errorf("publish cache entry: %w", err)
	}
	return nil
}
