// Package directory resolves user profiles (name, email, avatar) from the
// rendezvous store's users/ subtree. The incoming-call watcher depends on it
// to identify callers before surfacing a notification.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/signal"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("directory")

// ErrLookupFailed reports that a user's profile could not be resolved.
// Callers of the watcher treat this as fail-closed: an unidentifiable caller
// is never surfaced.
var ErrLookupFailed = errors.New("directory: caller lookup failed")

// User is a resolved profile from users/{id}.
type User struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"` // opaque reference (URL or hash)
}

// Directory performs one-shot profile lookups through the signal store.
type Directory struct {
	store signal.Store
	cache *AvatarCache // nil when avatar caching is disabled
}

// New creates a directory over store. cacheDir enables on-disk avatar
// caching when non-empty.
func New(store signal.Store, cacheDir string) *Directory {
	d := &Directory{store: store}
	if cacheDir != "" {
		d.cache = NewAvatarCache(cacheDir)
	}
	return d
}

// Resolve fetches the profile for userID. A missing record, a store fault,
// or a profile without a display name all resolve to ErrLookupFailed.
func (d *Directory) Resolve(ctx context.Context, userID string) (User, error) {
	raw, found, err := d.store.ReadOnce(ctx, signal.UserPath(userID))
	if err != nil {
		return User{}, fmt.Errorf("%w: %s: %v", ErrLookupFailed, userID, err)
	}
	if !found {
		return User{}, fmt.Errorf("%w: %s: no such user", ErrLookupFailed, userID)
	}

	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return User{}, fmt.Errorf("%w: %s: %v", ErrLookupFailed, userID, err)
	}
	if strings.TrimSpace(u.Name) == "" {
		return User{}, fmt.Errorf("%w: %s: profile has no name", ErrLookupFailed, userID)
	}
	u.ID = userID
	return u, nil
}

// Publish writes the local user's own profile so remote watchers can
// identify us as a caller.
func (d *Directory) Publish(ctx context.Context, u User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("directory: publish requires a user id")
	}
	id := u.ID
	u.ID = "" // the path is the id
	if err := d.store.Write(ctx, signal.UserPath(id), u); err != nil {
		return fmt.Errorf("directory: publish %s: %w", id, err)
	}
	log.Infof("published profile for %s", id)
	return nil
}

// Avatars returns the on-disk avatar cache, or nil when disabled.
func (d *Directory) Avatars() *AvatarCache { return d.cache }
