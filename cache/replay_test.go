package cache

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayCacheRejectsRepeat(t *testing.T) {
	c, err := NewReplayCache(8, time.Minute)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, c.Check("a", now))
	assert.True(t, errors.Is(c.Check("a", now), ErrReplayed))
	assert.NoError(t, c.Check("b", now))
	assert.Equal(t, 2, c.Len())

	assert.True(t, errors.Is(c.Check("", now), ErrNoNonce))
}

func TestReplayCacheRejectsOldFrames(t *testing.T) {
	c, err := NewReplayCache(8, time.Minute)
	require.NoError(t, err)
	c.now = func() time.Time { return time.Unix(1000, 0) }

	assert.True(t, errors.Is(c.Check("old", time.Unix(900, 0)), ErrExpired))
	assert.NoError(t, c.Check("fresh", time.Unix(990, 0)))
	assert.Equal(t, 1, c.Len(), "expired frames are not remembered")
}

func TestReplayCacheEvicts(t *testing.T) {
	c, err := NewReplayCache(4, 0)
	require.NoError(t, err)
	now := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Check(fmt.Sprintf("n%d", i), now))
	}
	assert.Equal(t, 4, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())
	assert.NoError(t, c.Check("n9", now))
}
