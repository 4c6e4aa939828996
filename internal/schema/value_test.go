package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValueJSONRoundTrip(t *testing.T) {
	vals := []Value{
		String("hello"),
		Number(42.5),
		Bool(true),
		Date(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		RichText("some text"),
		NewSet(String("a"), String("b"), String("a")),
		NewMap(map[string]Value{"x": Number(1), "y": String("z")}),
	}
	for _, v := range vals {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		var out Value
		require.NoError(t, json.Unmarshal(b, &out))
		require.True(t, v.Equal(out))
	}
}

func TestValueSetDedup(t *testing.T) {
	s := NewSet(String("a"), String("b"), String("a"))
	require.Len(t, s.AsSet(), 2)
}

func TestValueCompare(t *testing.T) {
	require.Equal(t, -1, Number(1).Compare(Number(2)))
	require.Equal(t, 1, Number(2).Compare(Number(1)))
	require.Equal(t, 0, String("a").Compare(String("a")))
	require.Equal(t, -1, String("a").Compare(String("b")))
}

func TestValueEqual(t *testing.T) {
	require.True(t, Number(1).Equal(Number(1)))
	require.False(t, Number(1).Equal(Number(2)))
	require.True(t, NewMap(map[string]Value{"a": Number(1)}).Equal(NewMap(map[string]Value{"a": Number(1)})))
}
