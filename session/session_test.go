package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinylora/lorawan/crypto"
)

func TestAnswerQueueFOptsThenOverflow(t *testing.T) {
	var q AnswerQueue

	require.NoError(t, q.Enqueue(make([]byte, 10)))
	require.NoError(t, q.Enqueue(make([]byte, 10))) // doesn't fit remaining 5 fopts bytes, so the whole 10-byte command overflows atomically

	require.True(t, q.HasOverflow())
	fopts := q.TakeFOpts()
	require.Len(t, fopts, 10)

	overflow := q.TakeOverflow()
	require.Len(t, overflow, 10)

	require.False(t, q.HasOverflow())
	require.Nil(t, q.TakeFOpts())
}

func TestAnswerQueueFull(t *testing.T) {
	var q AnswerQueue
	require.NoError(t, q.Enqueue(make([]byte, 15)))
	require.NoError(t, q.Enqueue(make([]byte, 242)))
	require.ErrorIs(t, q.Enqueue([]byte{1}), ErrAnswerQueueFull)
}

func TestNewSessionDefaults(t *testing.T) {
	s := New()
	require.False(t, s.Joined)
	require.EqualValues(t, 1, s.RxDelaySec)
	require.True(t, s.AdrEnabled)
}

func TestActivateOTAAResetsCounters(t *testing.T) {
	s := New()
	s.FCntUp = 99
	s.FCntDown = 50

	s.ActivateOTAA(0xAABBCCDD, crypto.Key{}, crypto.Key{})
	require.True(t, s.Joined)
	require.Zero(t, s.FCntUp)
	require.Zero(t, s.FCntDown)
	require.EqualValues(t, 0xAABBCCDD, s.DevAddr)
}

func TestReset(t *testing.T) {
	s := New()
	s.ActivateABP(1, crypto.Key{}, crypto.Key{})
	s.Reset()
	require.False(t, s.Joined)
	require.Zero(t, s.DevAddr)
}
