// Package cursor implements the opaque pagination tokens shared by every
// listing operation.
//
// A cursor is the base64url encoding of the JSON-serialized list state, so it
// is self-describing and needs no server-side session.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

// DefaultLimit is the page size used when a list request does not set one.
const DefaultLimit = 35

// MaxLimit caps the page size a caller may request.
const MaxLimit = 1000

// ErrInvalidCursor is returned when a cursor cannot be decoded.
var ErrInvalidCursor = errors.New("Invalid cursor")

// ListState carries everything needed to continue a listing.
type ListState struct {
	Limit          int      `json:"limit,omitempty"`
	LastKey        string   `json:"lastKey,omitempty"`
	Query          string   `json:"query,omitempty"`
	QueryField     []string `json:"queryField,omitempty"`
	Parent         string   `json:"parent,omitempty"`
	Kinds          []string `json:"kinds,omitempty"`
	Type           string   `json:"type,omitempty"`
	ID             string   `json:"id,omitempty"`
	Since          int64    `json:"since,omitempty"`
	Until          int64    `json:"until,omitempty"`
	IncludeDeleted bool     `json:"includeDeleted,omitempty"`
}

// Options are the caller-supplied list parameters. When Cursor is set every
// other field is ignored and the state embedded in the cursor is used.
type Options struct {
	Cursor         string
	Limit          int
	Query          string
	QueryField     []string
	Parent         string
	Kinds          []string
	Type           string
	ID             string
	Since          int64
	Until          int64
	IncludeDeleted bool
}

// Page is one page of a listing.
type Page[T any] struct {
	Items  []T    `json:"items"`
	Cursor string `json:"cursor,omitempty"`
}

// Encode returns a cursor for state continuing after lastKey. The effective
// limit is always embedded.
func Encode(state ListState, lastKey string) (string, error) {
	state.Limit = EffectiveLimit(state.Limit)
	if lastKey != "" {
		state.LastKey = lastKey
	}
	data, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode parses a cursor produced by Encode.
func Decode(s string) (ListState, error) {
	var state ListState
	if s == "" {
		return state, ErrInvalidCursor
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return state, ErrInvalidCursor
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return ListState{}, ErrInvalidCursor
	}
	if state.Limit < 0 {
		return ListState{}, ErrInvalidCursor
	}
	return state, nil
}

// Resolve turns list options into the state a listing should run with.
func Resolve(opts Options) (ListState, error) {
	if opts.Cursor != "" {
		state, err := Decode(opts.Cursor)
		if err != nil {
			return ListState{}, err
		}
		state.Limit = EffectiveLimit(state.Limit)
		return state, nil
	}
	return ListState{
		Limit:          EffectiveLimit(opts.Limit),
		Query:          opts.Query,
		QueryField:     opts.QueryField,
		Parent:         opts.Parent,
		Kinds:          opts.Kinds,
		Type:           opts.Type,
		ID:             opts.ID,
		Since:          opts.Since,
		Until:          opts.Until,
		IncludeDeleted: opts.IncludeDeleted,
	}, nil
}

// EffectiveLimit applies the default and the cap.
func EffectiveLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
