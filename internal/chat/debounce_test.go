// internal/chat/debounce_test.go
package chat

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncerFiresOnceAfterWindow(t *testing.T) {
	t.Parallel()

	var fired int32
	d := NewDebouncer(20*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})

	d.Arm()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestDebouncerArmResetsWindow(t *testing.T) {
	t.Parallel()

	var fired int32
	d := NewDebouncer(60*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})

	// 窗口内反复 Arm 只产生一次触发
	d.Arm()
	time.Sleep(20 * time.Millisecond)
	d.Arm()
	time.Sleep(20 * time.Millisecond)
	d.Arm()

	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestDebouncerCancelPreventsFire(t *testing.T) {
	t.Parallel()

	var fired int32
	d := NewDebouncer(20*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})

	d.Arm()
	d.Cancel()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
	assert.False(t, d.Pending())
}

func TestDebouncerFlushFiresImmediately(t *testing.T) {
	t.Parallel()

	var fired int32
	d := NewDebouncer(time.Hour, func() {
		atomic.AddInt32(&fired, 1)
	})

	d.Arm()
	d.Flush()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
	assert.False(t, d.Pending())

	// Flush 之后原窗口不再触发
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}
