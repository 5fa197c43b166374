package directory

import (
	"os"
	"path/filepath"
	"sync"
)

// AvatarCache stores remote users' avatars on disk, keyed by userID + hash.
type AvatarCache struct {
	mu  sync.RWMutex
	dir string
}

// NewAvatarCache creates an avatar cache in {dir}/cache/avatars.
func NewAvatarCache(dir string) *AvatarCache {
	full := filepath.Join(dir, "cache", "avatars")
	_ = os.MkdirAll(full, 0755)
	return &AvatarCache{dir: full}
}

func (c *AvatarCache) filePath(userID string) string {
	return filepath.Join(c.dir, userID+".png")
}

func (c *AvatarCache) hashPath(userID string) string {
	return filepath.Join(c.dir, userID+".hash")
}

// Get returns the cached avatar for a user, or nil if not cached or the
// stored hash no longer matches.
func (c *AvatarCache) Get(userID, hash string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if hash == "" {
		return nil, nil
	}

	stored, err := os.ReadFile(c.hashPath(userID))
	if err != nil || string(stored) != hash {
		return nil, nil
	}

	data, err := os.ReadFile(c.filePath(userID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// Put stores a user's avatar and its hash.
func (c *AvatarCache) Put(userID, hash string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.WriteFile(c.filePath(userID), data, 0644); err != nil {
		return err
	}
	return os.WriteFile(c.hashPath(userID), []byte(hash), 0644)
}
