// Package keyspace builds the `~`-delimited keys used by every namespace of
// the ordered key-value store.
//
// A key is a sequence of segments rendered as
//
//	~<seg1>~<seg2>~...~<segN>~
//
// Segments may only contain printable ASCII below the delimiter (0x20-0x7D),
// so no segment can contain `~` and every byte of a key sorts at or below the
// delimiter. This makes the range [prefix, prefix+"~"] enumerate exactly the
// keys that share a prefix, regardless of how many segments follow it.
//
// Timestamps embedded as segments use a fixed-width UTC layout so that
// lexicographic order equals chronological order.
package keyspace

import (
	"fmt"
	"strings"
	"time"
)

// Delimiter separates key segments.
const Delimiter = "~"

// TimestampLayout is fixed-width so that string order equals time order.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// Key is a validated composite key.
type Key struct {
	segments []string
}

// New builds a key from segments. Every segment must be non-empty and may
// only contain bytes in the range 0x20-0x7D.
func New(segments ...string) (Key, error) {
	if len(segments) == 0 {
		return Key{}, fmt.Errorf("key requires at least one segment")
	}
	for i, s := range segments {
		if err := ValidateSegment(s); err != nil {
			return Key{}, fmt.Errorf("segment %d: %w", i, err)
		}
	}
	return Key{segments: append([]string(nil), segments...)}, nil
}

// MustNew is like New but panics on invalid segments. Use only with
// segments known to be valid.
func MustNew(segments ...string) Key {
	k, err := New(segments...)
	if err != nil {
		panic(err)
	}
	return k
}

// ValidateSegment reports whether s can be embedded in a key.
func ValidateSegment(s string) error {
	if s == "" {
		return fmt.Errorf("empty segment")
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c > 0x7D {
			return fmt.Errorf("invalid byte %q at position %d in segment %q", c, i, s)
		}
	}
	return nil
}

// String renders the key.
func (k Key) String() string {
	if len(k.segments) == 0 {
		return ""
	}
	return Delimiter + strings.Join(k.segments, Delimiter) + Delimiter
}

// Segments returns a copy of the key segments.
func (k Key) Segments() []string {
	return append([]string(nil), k.segments...)
}

// Last returns the final segment.
func (k Key) Last() string {
	if len(k.segments) == 0 {
		return ""
	}
	return k.segments[len(k.segments)-1]
}

// Prefix renders a scan prefix from segments. It is the same string New
// would produce, so a prefix of N segments matches every key whose first N
// segments are equal.
func Prefix(segments ...string) (string, error) {
	k, err := New(segments...)
	if err != nil {
		return "", err
	}
	return k.String(), nil
}

// Bounds is an inclusive key range.
type Bounds struct {
	Gte string
	Lte string
}

// Range returns the bounds that enumerate every key starting with prefix.
func Range(prefix string) Bounds {
	return Bounds{Gte: prefix, Lte: prefix + Delimiter}
}

// Split parses a rendered key back into segments.
func Split(key string) ([]string, error) {
	if len(key) < 3 || !strings.HasPrefix(key, Delimiter) || !strings.HasSuffix(key, Delimiter) {
		return nil, fmt.Errorf("malformed key %q", key)
	}
	parts := strings.Split(key[1:len(key)-1], Delimiter)
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("malformed key %q", key)
		}
	}
	return parts, nil
}

// Timestamp renders t as a sortable key segment.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a segment produced by Timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp segment: %w", err)
	}
	return t, nil
}
