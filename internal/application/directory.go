package application

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/example/roombook/internal/persistence"
)

const (
	defaultDirectorySize = 1024
	defaultDirectoryTTL  = 5 * time.Minute
)

// DirectoryStore is the persistence the directory reads through to.
type DirectoryStore interface {
	GetUser(ctx context.Context, id string) (persistence.User, error)
	GetRoom(ctx context.Context, id string) (persistence.Room, error)
}

// Directory is a read-through cache of users and rooms. Entries expire after
// the configured TTL; admin edits invalidate them immediately.
type Directory struct {
	store DirectoryStore
	users *expirable.LRU[string, User]
	rooms *expirable.LRU[string, Room]
}

// NewDirectory returns a directory holding up to size users and size rooms.
func NewDirectory(store DirectoryStore, size int, ttl time.Duration) *Directory {
	if size <= 0 {
		size = defaultDirectorySize
	}
	if ttl <= 0 {
		ttl = defaultDirectoryTTL
	}
	return &Directory{
		store: store,
		users: expirable.NewLRU[string, User](size, nil, ttl),
		rooms: expirable.NewLRU[string, Room](size, nil, ttl),
	}
}

// User returns the user with id, loading it on a miss.
func (d *Directory) User(ctx context.Context, id string) (User, error) {
	if user, ok := d.users.Get(id); ok {
		return user, nil
	}
	record, err := d.store.GetUser(ctx, id)
	if err != nil {
		return User{}, mapDirectoryError(err)
	}
	user := userFromRecord(record)
	d.users.Add(id, user)
	return user, nil
}

// Room returns the room with id, loading it on a miss.
func (d *Directory) Room(ctx context.Context, id string) (Room, error) {
	if room, ok := d.rooms.Get(id); ok {
		return room, nil
	}
	record, err := d.store.GetRoom(ctx, id)
	if err != nil {
		return Room{}, mapDirectoryError(err)
	}
	room := roomFromRecord(record)
	d.rooms.Add(id, room)
	return room, nil
}

// Invalidate drops any cached user or room with id.
func (d *Directory) Invalidate(id string) {
	d.users.Remove(id)
	d.rooms.Remove(id)
}

// Refresh drops every cached entry.
func (d *Directory) Refresh() {
	d.users.Purge()
	d.rooms.Purge()
}

func mapDirectoryError(err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
