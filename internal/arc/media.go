package arc

import (
	"context"
	"errors"
	"fmt"

	"arcstore/internal/patch"
)

func (s *Files) getMedia(ctx context.Context, f *File) (*Media, error) {
	k, err := makeKey(f.Key)
	if err != nil {
		return nil, err
	}
	var m Media
	if err := getRecord(ctx, s.media, k, &m); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("media", f.Key)
		}
		return nil, fmt.Errorf("reading media: %w", err)
	}
	value, err := patch.Normalize(m.Value)
	if err != nil {
		return nil, fmt.Errorf("reading media: %w", err)
	}
	m.Value = value
	return &m, nil
}

// ReadMedia returns the content of a file.
func (s *Files) ReadMedia(ctx context.Context, key string, user *User) (*Media, error) {
	f, _, err := s.CheckAccess(ctx, RoleReader, key, user)
	if err != nil {
		return nil, err
	}
	return s.getMedia(ctx, f)
}

// PutMedia replaces the content of a file.
func (s *Files) PutMedia(ctx context.Context, key string, value any, user *User) (*Media, error) {
	f, _, err := s.CheckAccess(ctx, RoleWriter, key, user)
	if err != nil {
		return nil, err
	}
	v, err := patch.Normalize(value)
	if err != nil {
		return nil, invalidInput("media value: %v", err)
	}
	return s.applyMediaPatch(ctx, f, []patch.Operation{{Op: patch.OpReplace, Path: "", Value: v}}, user)
}

// PatchMedia applies a JSON Patch to the content of a file.
func (s *Files) PatchMedia(ctx context.Context, key string, ops []patch.Operation, user *User) (*Media, error) {
	if len(ops) == 0 {
		return nil, invalidInput("empty patch")
	}
	f, _, err := s.CheckAccess(ctx, RoleWriter, key, user)
	if err != nil {
		return nil, err
	}
	return s.applyMediaPatch(ctx, f, ops, user)
}

func (s *Files) applyMediaPatch(ctx context.Context, f *File, ops []patch.Operation, user *User) (*Media, error) {
	var current any
	m, err := s.getMedia(ctx, f)
	switch {
	case err == nil:
		current = m.Value
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}

	next, inverse, err := patch.ApplyWithInverse(current, ops)
	if err != nil {
		return nil, err
	}
	updated := &Media{
		Key:          f.Key,
		Kind:         f.Kind,
		Value:        next,
		LastModified: s.modification(user),
	}
	k, err := makeKey(f.Key)
	if err != nil {
		return nil, err
	}
	if err := putRecord(ctx, s.media, k, updated); err != nil {
		return nil, fmt.Errorf("writing media: %w", err)
	}
	if _, err := s.revisions.Add(ctx, string(f.Kind), f.Key, inverse, user, AltMedia); err != nil {
		return nil, err
	}
	s.logger.Debug("media updated", "key", f.Key, "ops", len(ops), "user", user.Key)

	audience, err := s.userIDs(ctx, f)
	if err != nil {
		s.logger.Warn("resolving file audience failed", "key", f.Key, "error", err)
		return updated, nil
	}
	ev := NewEvent(OpPatch, string(f.Kind), f.Key)
	ev.Parent = f.Parent()
	ev.Data = ops
	s.notifier.Notify(ctx, ev, Filter{URL: RouteFileMedia(f.Key), Users: audience})
	return updated, nil
}
