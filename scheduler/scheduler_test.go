package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRepeatedExecutorFiresOnRegularCadence(t *testing.T) {
	var fires int32
	e := New(Config{Regular: 20 * time.Millisecond, Short: 5 * time.Millisecond}, func() {
		atomic.AddInt32(&fires, 1)
	})
	e.Start()
	defer e.Stop()

	time.Sleep(65 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&fires), int32(2))
}

func TestTriggerShortCoalescesBurst(t *testing.T) {
	var fires int32
	e := New(Config{Regular: 200 * time.Millisecond, Short: 10 * time.Millisecond}, func() {
		atomic.AddInt32(&fires, 1)
	})
	e.Start()
	defer e.Stop()

	for i := 0; i < 20; i++ {
		e.TriggerShort()
	}

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fires))
}

func TestTriggerShortRearmsRegularAfterFiring(t *testing.T) {
	var fires int32
	e := New(Config{Regular: 40 * time.Millisecond, Short: 10 * time.Millisecond}, func() {
		atomic.AddInt32(&fires, 1)
	})
	e.Start()
	defer e.Stop()

	e.TriggerShort()
	time.Sleep(20 * time.Millisecond) // short fire has happened
	assert.Equal(t, int32(1), atomic.LoadInt32(&fires))

	time.Sleep(50 * time.Millisecond) // regular cadence resumes
	assert.Equal(t, int32(2), atomic.LoadInt32(&fires))
}

func TestStopHaltsFurtherFires(t *testing.T) {
	var fires int32
	e := New(Config{Regular: 10 * time.Millisecond, Short: 5 * time.Millisecond}, func() {
		atomic.AddInt32(&fires, 1)
	})
	e.Start()
	time.Sleep(25 * time.Millisecond)
	e.Stop()
	observed := atomic.LoadInt32(&fires)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, observed, atomic.LoadInt32(&fires))
}
