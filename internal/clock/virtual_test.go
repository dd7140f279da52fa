package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/w1gaia/htstation/internal/clock"
)

func TestVirtualAdvanceFiresDueTimer(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	fired := false
	v.AfterFunc(5*time.Second, func() { fired = true })

	v.Advance(4 * time.Second)
	assert.False(t, fired)

	v.Advance(1 * time.Second)
	assert.True(t, fired)
}

func TestVirtualAdvanceOrdersByDeadline(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	var order []string
	v.AfterFunc(2*time.Second, func() { order = append(order, "second") })
	v.AfterFunc(1*time.Second, func() { order = append(order, "first") })

	v.Advance(3 * time.Second)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestVirtualAdvanceCascadesRearmedTimers(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	count := 0
	var retry func()
	retry = func() {
		count++
		if count < 5 {
			v.AfterFunc(time.Second, retry)
		}
	}
	v.AfterFunc(time.Second, retry)

	v.Advance(10 * time.Second)
	assert.Equal(t, 5, count)
}

func TestVirtualTimerStopPreventsFire(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	fired := false
	timer := v.AfterFunc(time.Second, func() { fired = true })
	timer.Stop()

	v.Advance(2 * time.Second)
	assert.False(t, fired)
}
