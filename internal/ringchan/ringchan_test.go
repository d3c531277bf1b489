package ringchan_test

import (
	"testing"

	"github.com/srg/btlink/internal/ringchan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForceSendOverwritesOldest(t *testing.T) {
	rc := ringchan.New[int](3)

	for i := 1; i <= 5; i++ {
		rc.ForceSend(i)
	}
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}

	assert.Equal(t, []int{3, 4, 5}, got, "only the newest elements survive overflow")

	m := rc.GetMetrics()
	assert.EqualValues(t, 5, m.Written)
	assert.EqualValues(t, 2, m.Overwritten)
}

func TestTrySend(t *testing.T) {
	rc := ringchan.New[string](1)

	require.True(t, rc.TrySend("a"))
	assert.False(t, rc.TrySend("b"), "TrySend MUST fail when full")

	v, ok := rc.TryReceive()
	require.True(t, ok)
	assert.Equal(t, "a", v)

	_, ok = rc.TryReceive()
	assert.False(t, ok, "TryReceive MUST fail when empty")
}

func TestNewPanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { ringchan.New[int](0) })
}
