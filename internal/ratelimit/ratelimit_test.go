package ratelimit

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNew_InvalidArguments(t *testing.T) {
	_, err := New(0, time.Second)
	assert.Error(t, err)
	_, err = New(3, 0)
	assert.Error(t, err)

	l, err := New(3, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, l.Limit())
	assert.Equal(t, time.Second, l.Window())
}

func TestAllow_BlocksAtLimit(t *testing.T) {
	l, err := New(2, time.Minute)
	require.NoError(t, err)

	assert.True(t, l.Allow(epoch))
	assert.True(t, l.Allow(epoch.Add(time.Second)))
	assert.False(t, l.Allow(epoch.Add(2*time.Second)))
	assert.Equal(t, 2, l.InWindow(epoch.Add(2*time.Second)))

	// The first admission expires exactly one window after it happened.
	assert.False(t, l.Allow(epoch.Add(time.Minute-time.Nanosecond)))
	assert.True(t, l.Allow(epoch.Add(time.Minute)))
	assert.False(t, l.Allow(epoch.Add(time.Minute)))
}

func TestRefund(t *testing.T) {
	l, err := New(2, time.Minute)
	require.NoError(t, err)

	require.True(t, l.Allow(epoch))
	require.True(t, l.Allow(epoch.Add(time.Second)))
	assert.False(t, l.Allow(epoch.Add(2*time.Second)))

	assert.True(t, l.Refund(epoch.Add(time.Second)))
	assert.False(t, l.Refund(epoch.Add(time.Second)))
	assert.Equal(t, 1, l.InWindow(epoch.Add(2*time.Second)))
	assert.True(t, l.Allow(epoch.Add(2*time.Second)))
	assert.Equal(t, epoch.Add(time.Minute), l.Next(epoch.Add(3*time.Second)))
}

func TestNext(t *testing.T) {
	l, err := New(2, 10*time.Second)
	require.NoError(t, err)

	assert.Equal(t, epoch, l.Next(epoch))
	require.True(t, l.Allow(epoch))
	require.True(t, l.Allow(epoch.Add(3*time.Second)))

	now := epoch.Add(4 * time.Second)
	next := l.Next(now)
	assert.Equal(t, epoch.Add(10*time.Second), next)
	assert.False(t, l.Allow(next.Add(-time.Millisecond)))
	assert.True(t, l.Allow(next))
	assert.Equal(t, epoch.Add(13*time.Second), l.Next(next))
}

func TestAllow_SlidingWindowProperty(t *testing.T) {
	const limit = 5
	const window = time.Second
	l, err := New(limit, window)
	require.NoError(t, err)

	r := rand.New(rand.NewPCG(7, 11))
	now := epoch
	var admitted []time.Time
	for i := 0; i < 2000; i++ {
		now = now.Add(time.Duration(r.IntN(300)) * time.Millisecond)
		if l.Allow(now) {
			admitted = append(admitted, now)
		}
	}
	require.NotEmpty(t, admitted)

	// Every window starting at an admission holds at most limit admissions.
	for i, start := range admitted {
		end := start.Add(window)
		n := 0
		for _, ts := range admitted[i:] {
			if ts.Before(end) {
				n++
			}
		}
		assert.LessOrEqual(t, n, limit, "window starting at %s", start)
	}
}
