// ABOUTME: User directory that creates or refreshes participant records
// ABOUTME: Backfills placeholder names and keeps last_seen monotonic

package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/wabridge/internal/store"
)

// UserStore defines what the directory needs from storage
type UserStore interface {
	EnsureUser(ctx context.Context, u *store.UserUpsert) error
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// Directory owns user records keyed by normalized identity.
type Directory struct {
	store  UserStore
	logger *slog.Logger
	now    func() time.Time
}

// NewDirectory creates a Directory. Pass nil logger for default.
func NewDirectory(s UserStore, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		store:  s,
		logger: logger.With("component", "directory"),
		now:    time.Now,
	}
}

// EnsureUser makes sure a user exists for key.
//
// A missing user is created with knownName (or the placeholder when empty).
// An existing user gets its name backfilled only while it is empty or the
// placeholder, and last_seen advanced to lastSeenAt when that is later. A
// zero lastSeenAt never touches last_seen. key must already be normalized.
func (d *Directory) EnsureUser(ctx context.Context, key, knownName string, lastSeenAt time.Time) error {
	err := d.store.EnsureUser(ctx, &store.UserUpsert{
		ID:          key,
		Name:        knownName,
		PhoneNumber: key,
		LastSeen:    lastSeenAt,
		Now:         d.now(),
	})
	if err != nil {
		return persistenceError("ensure user", err)
	}

	d.logger.Debug("user ensured", "user_id", key, "has_name", knownName != "")
	return nil
}

// GetUser returns the stored user or store.ErrNotFound.
func (d *Directory) GetUser(ctx context.Context, key string) (*store.User, error) {
	return d.store.GetUser(ctx, key)
}
