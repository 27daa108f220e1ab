package pkg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGenerateRandomString(t *testing.T) {
	s, err := GenerateRandomString(0)
	require.Error(t, err)
	assert.Empty(t, s)

	for i := 1; i <= 8; i++ {
		s, err := GenerateRandomString(i * 5)
		require.NoError(t, err)
		assert.Len(t, s, i*5)
	}
}

func TestGenerateRandomString_unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := GenerateRandomString(35)
		require.NoError(t, err)
		require.False(t, seen[s])
		seen[s] = true
	}
}

func TestBytesToString(t *testing.T) {
	want := "test"
	stringBytes := []byte(want)
	got := BytesToString(stringBytes)
	assert.Equal(t, want, got)
}
