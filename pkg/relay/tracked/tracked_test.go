package tracked

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomeStartsPending(t *testing.T) {
	o := New[int]()
	assert.True(t, o.IsPending())

	_, ok := o.Value()
	assert.False(t, ok)
}

func TestSettleThenValue(t *testing.T) {
	o := New[string]()
	o.Settle("done")

	assert.False(t, o.IsPending())
	v, ok := o.Value()
	require.True(t, ok)
	assert.Equal(t, "done", v)
}

func TestSettleTwicePanics(t *testing.T) {
	o := New[int]()
	o.Settle(1)

	assert.Panics(t, func() {
		o.Settle(2)
	})
}

func TestTrySettleTwiceReturnsFalse(t *testing.T) {
	o := New[int]()
	assert.True(t, o.TrySettle(1))
	assert.False(t, o.TrySettle(2))

	v, ok := o.Value()
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestWaitWakesOnSettle(t *testing.T) {
	o := New[int]()
	done := make(chan struct{})

	result := make(chan int, 1)
	go func() {
		v, ok := o.Wait(done)
		if ok {
			result <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	o.Settle(42)

	select {
	case v := <-result:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake after Settle")
	}
}

func TestWaitAbortsOnDone(t *testing.T) {
	o := New[int]()
	done := make(chan struct{})
	close(done)

	v, ok := o.Wait(done)
	assert.False(t, ok)
	assert.Equal(t, 0, v)
}
