package pubsub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmitterAttachAndEmit(t *testing.T) {
	e := New[int]()
	var got []int
	sub := e.Attach(func(v int) { got = append(got, v) })
	e.Emit(1)
	e.Emit(2)
	require.Equal(t, []int{1, 2}, got)

	sub.Cancel()
	e.Emit(3)
	require.Equal(t, []int{1, 2}, got, "cancelled subscription must not receive further events")
}

func TestEmitterCancelIdempotent(t *testing.T) {
	e := New[string]()
	sub := e.Attach(func(string) {})
	sub.Cancel()
	require.NotPanics(t, func() { sub.Cancel() })
}

func TestEmitterPanicIsolation(t *testing.T) {
	e := New[int]()
	var secondRan bool
	e.Attach(func(int) { panic("boom") })
	e.Attach(func(int) { secondRan = true })
	require.NotPanics(t, func() { e.Emit(1) })
	require.True(t, secondRan)
}

func TestEmitterLen(t *testing.T) {
	e := New[int]()
	require.Equal(t, 0, e.Len())
	s1 := e.Attach(func(int) {})
	e.Attach(func(int) {})
	require.Equal(t, 2, e.Len())
	s1.Cancel()
	require.Equal(t, 1, e.Len())
}
