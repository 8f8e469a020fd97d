package arc

import (
	"context"
	"errors"
	"fmt"

	"arcstore/internal/codec"
	"arcstore/internal/cursor"
	"arcstore/internal/keyspace"
)

// Users stores the accounts the store knows about.
type Users struct {
	ns     Namespace
	logger Logger
}

func NewUsers(ns Namespace, logger Logger) *Users {
	return &Users{ns: ns, logger: logger}
}

// Put creates or replaces a user record.
func (s *Users) Put(ctx context.Context, user *User) error {
	k, err := makeKey(user.Key)
	if err != nil {
		return err
	}
	if err := putRecord(ctx, s.ns, k, user); err != nil {
		return fmt.Errorf("storing user: %w", err)
	}
	return nil
}

// Read returns the user stored under key.
func (s *Users) Read(ctx context.Context, key string) (*User, error) {
	k, err := makeKey(key)
	if err != nil {
		return nil, err
	}
	var u User
	if err := getRecord(ctx, s.ns, k, &u); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("user", key)
		}
		return nil, fmt.Errorf("reading user: %w", err)
	}
	return &u, nil
}

// ReadMany returns the users stored under keys, skipping unknown ones.
func (s *Users) ReadMany(ctx context.Context, keys []string) ([]User, error) {
	users := make([]User, 0, len(keys))
	for _, key := range keys {
		u, err := s.Read(ctx, key)
		if errors.Is(err, ErrNotFound) {
			s.logger.Debug("user not found", "key", key)
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, nil
}

// List pages through all users. Query matches the name and email.
func (s *Users) List(ctx context.Context, opts cursor.Options) (*cursor.Page[User], error) {
	state, err := cursor.Resolve(opts)
	if err != nil {
		return nil, err
	}

	page := &cursor.Page[User]{Items: []User{}}
	bounds := keyspace.Bounds{Gte: keyspace.Delimiter, Lte: keyspace.Delimiter + keyspace.Delimiter}
	lastRead, err := scan(ctx, s.ns, bounds, false, state, state.Limit, func(k string, value []byte) (bool, error) {
		var u User
		if err := codec.Unmarshal(value, &u); err != nil {
			return false, fmt.Errorf("decoding user %s: %w", k, err)
		}
		if !matchesQuery(map[string]any{"name": u.Name, "email": u.Email}, state.Query, state.QueryField) {
			return false, nil
		}
		page.Items = append(page.Items, u)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	if page.Cursor, err = nextCursor(state, lastRead); err != nil {
		return nil, err
	}
	return page, nil
}
