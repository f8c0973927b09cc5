package agent

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeat_TicksUntilStopped(t *testing.T) {
	var ticks atomic.Int32
	hb := startHeartbeat(5*time.Millisecond, func() { ticks.Add(1) })

	assert.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, time.Millisecond)

	hb.Stop()
	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())

	hb.Stop()
	hb.Signal()
}

func TestHeartbeat_Disabled(t *testing.T) {
	var ticks atomic.Int32
	hb := startHeartbeat(0, func() { ticks.Add(1) })
	time.Sleep(10 * time.Millisecond)
	hb.Stop()
	assert.Equal(t, int32(0), ticks.Load())

	var nilHB *heartbeat
	nilHB.Stop()
}

func TestHeartbeat_SignalFromTick(t *testing.T) {
	var hb *heartbeat
	ready := make(chan struct{})
	hb = startHeartbeat(time.Millisecond, func() {
		<-ready
		hb.Signal()
	})
	close(ready)
	hb.Stop()
}
