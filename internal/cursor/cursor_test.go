package cursor

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	states := []ListState{
		{},
		{Limit: 10},
		{Limit: 5, Query: "get", QueryField: []string{"url", "method"}},
		{Parent: "p1", Kinds: []string{"project", "environment"}},
		{Type: "space", ID: "w1", Since: 1000, Until: 2000, IncludeDeleted: true},
	}

	for _, state := range states {
		encoded, err := Encode(state, "~files~k42~")
		require.NoError(t, err)

		decoded, err := Decode(encoded)
		require.NoError(t, err)

		want := state
		want.LastKey = "~files~k42~"
		want.Limit = EffectiveLimit(state.Limit)
		require.Equal(t, want, decoded)
	}
}

func TestEncode_DefaultsLimit(t *testing.T) {
	encoded, err := Encode(ListState{}, "k")
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, DefaultLimit, decoded.Limit)
}

func TestDecode_Invalid(t *testing.T) {
	inputs := []string{
		"",
		"not base64 !!!",
		base64.RawURLEncoding.EncodeToString([]byte("not json")),
		base64.RawURLEncoding.EncodeToString([]byte(`{"limit":-1}`)),
		base64.RawURLEncoding.EncodeToString([]byte(`{"limit":"ten"}`)),
	}

	for _, in := range inputs {
		_, err := Decode(in)
		if !errors.Is(err, ErrInvalidCursor) {
			t.Errorf("Decode(%q) error = %v, want ErrInvalidCursor", in, err)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Run("explicit options", func(t *testing.T) {
		state, err := Resolve(Options{Limit: 0, Parent: "p"})
		require.NoError(t, err)
		require.Equal(t, DefaultLimit, state.Limit)
		require.Equal(t, "p", state.Parent)
	})

	t.Run("cursor overrides options", func(t *testing.T) {
		c, err := Encode(ListState{Limit: 3, Parent: "a"}, "last")
		require.NoError(t, err)

		state, err := Resolve(Options{Cursor: c, Limit: 50, Parent: "b"})
		require.NoError(t, err)
		require.Equal(t, 3, state.Limit)
		require.Equal(t, "a", state.Parent)
		require.Equal(t, "last", state.LastKey)
	})

	t.Run("bad cursor", func(t *testing.T) {
		_, err := Resolve(Options{Cursor: "%%%"})
		require.ErrorIs(t, err, ErrInvalidCursor)
	})

	t.Run("caps limit", func(t *testing.T) {
		state, err := Resolve(Options{Limit: MaxLimit + 1})
		require.NoError(t, err)
		require.Equal(t, MaxLimit, state.Limit)
	})
}
