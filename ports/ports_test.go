package ports

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateAndRelease(t *testing.T) {
	a, err := NewAllocator(20000, 20003)
	require.NoError(t, err)

	p1, err := a.Allocate("call-1")
	require.NoError(t, err)
	p2, err := a.Allocate("call-2")
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)

	res, ok := a.Leased(p1)
	require.True(t, ok)
	require.Equal(t, "call-1", res.CallID)

	a.Release(p1)
	_, ok = a.Leased(p1)
	require.False(t, ok)
}

func TestExhaustionFailsLoudly(t *testing.T) {
	a, err := NewAllocator(20000, 20001)
	require.NoError(t, err)

	_, err = a.Allocate("call-1")
	require.NoError(t, err)
	_, err = a.Allocate("call-2")
	require.NoError(t, err)

	_, err = a.Allocate("call-3")
	require.ErrorIs(t, err, ErrExhausted)

	// A released port becomes allocatable again.
	a.Release(20000)
	p, err := a.Allocate("call-3")
	require.NoError(t, err)
	require.Equal(t, 20000, p)
}

func TestReleaseIsIdempotent(t *testing.T) {
	a, err := NewAllocator(20000, 20000)
	require.NoError(t, err)

	p, err := a.Allocate("call-1")
	require.NoError(t, err)

	a.Release(p)
	a.Release(p) // second release is a no-op
	require.Equal(t, 0, a.InUse())

	_, err = a.Allocate("call-2")
	require.NoError(t, err)
}

func TestInvalidRange(t *testing.T) {
	_, err := NewAllocator(3000, 2000)
	require.Error(t, err)
	_, err = NewAllocator(0, 2000)
	require.Error(t, err)
}
