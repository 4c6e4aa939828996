package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterNoFalseNegatives(t *testing.T) {
	f, err := New(1000, 0.01)
	require.NoError(t, err)

	keys := make([][]byte, 0, 500)
	for i := 0; i < 500; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		f.Add(k)
		keys = append(keys, k)
	}
	for _, k := range keys {
		require.True(t, f.Has(k), "inserted key must always test present")
	}
}

func TestFilterFalsePositiveRateBounded(t *testing.T) {
	f, err := New(1000, 0.01)
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		f.Add([]byte(fmt.Sprintf("present-%d", i)))
	}

	falsePositives := 0
	const trials = 5000
	for i := 0; i < trials; i++ {
		if f.Has([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(trials)
	require.Less(t, rate, 0.05, "false positive rate should stay in the right ballpark of the configured 0.01 fpr")
}

func TestFilterGrowsWhenFull(t *testing.T) {
	f, err := New(10, 0.01)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		f.Add([]byte(fmt.Sprintf("k-%d", i)))
	}
	require.Equal(t, 20, f.Count())
	for i := 0; i < 20; i++ {
		require.True(t, f.Has([]byte(fmt.Sprintf("k-%d", i))))
	}
}

func TestFilterRemoveAndRebuild(t *testing.T) {
	f, err := New(150, 0.01)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		f.Add([]byte(fmt.Sprintf("k-%d", i)))
	}
	for i := 0; i < 15; i++ {
		f.Remove([]byte(fmt.Sprintf("k-%d", i)))
	}
	require.True(t, f.ShouldRebuild())
	require.NoError(t, f.Rebuild(100))
	require.False(t, f.ShouldRebuild())
	require.Equal(t, 85, f.Count())
	require.False(t, f.Has([]byte("k-0")))
	require.True(t, f.Has([]byte("k-99")))
}

func TestFilterBase64RoundTrip(t *testing.T) {
	f, err := New(100, 0.25)
	require.NoError(t, err)
	f.Add([]byte("ancestor-1"))
	f.Add([]byte("ancestor-2"))

	encoded, err := f.Base64()
	require.NoError(t, err)

	decoded, err := FromBase64(encoded, 0.25)
	require.NoError(t, err)
	require.True(t, decoded.Has([]byte("ancestor-1")))
	require.True(t, decoded.Has([]byte("ancestor-2")))
}
