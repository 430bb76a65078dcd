package resources

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewManager(logger)
}

func TestReleaseAllRunsInFixedOrder(t *testing.T) {
	m := newTestManager()

	var order []Kind
	for _, kind := range []Kind{KindAISocket, KindTimer, KindMedia, KindSignaling} {
		k := kind
		m.Acquire("call-1", k, func() { order = append(order, k) })
	}

	m.ReleaseAll("call-1")
	require.Equal(t, []Kind{KindMedia, KindSignaling, KindAISocket, KindTimer}, order)
}

func TestReleaseAllIsIdempotent(t *testing.T) {
	m := newTestManager()

	released := 0
	m.Acquire("call-1", KindMedia, func() { released++ })
	m.Acquire("call-1", KindAISocket, func() { released++ })

	m.ReleaseAll("call-1")
	m.ReleaseAll("call-1")
	require.Equal(t, 2, released)
	require.Empty(t, m.Held("call-1"))
}

func TestReleaseSingleKindIsIdempotent(t *testing.T) {
	m := newTestManager()

	released := 0
	m.Acquire("call-1", KindSignaling, func() { released++ })

	m.Release("call-1", KindSignaling)
	m.Release("call-1", KindSignaling)
	require.Equal(t, 1, released)
}

func TestEmptySetIsLegal(t *testing.T) {
	m := newTestManager()

	// Neither of these should panic or error.
	m.Release("unknown", KindMedia)
	m.ReleaseAll("unknown")
	require.Empty(t, m.Held("unknown"))
}

func TestReacquireReleasesPreviousHandle(t *testing.T) {
	m := newTestManager()

	firstReleased := false
	m.Acquire("call-1", KindMedia, func() { firstReleased = true })
	m.Acquire("call-1", KindMedia, func() {})
	require.True(t, firstReleased)

	require.Equal(t, []Kind{KindMedia}, m.Held("call-1"))
}
