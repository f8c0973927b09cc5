package agent

import (
	"sync"
	"time"
)

// heartbeat calls tick on a fixed interval until stopped. Stop blocks until
// the ticking goroutine has exited, so no tick is delivered afterwards.
type heartbeat struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func startHeartbeat(interval time.Duration, tick func()) *heartbeat {
	if interval <= 0 || tick == nil {
		return &heartbeat{}
	}

	h := &heartbeat{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(h.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				// Stop may have raced the tick.
				select {
				case <-h.stop:
					return
				default:
				}
				tick()
			}
		}
	}()

	return h
}

// Signal asks the goroutine to exit without waiting for it. It is safe to
// call from inside tick.
func (h *heartbeat) Signal() {
	if h == nil || h.stop == nil {
		return
	}
	h.once.Do(func() { close(h.stop) })
}

// Stop is idempotent and safe on a disabled heartbeat.
func (h *heartbeat) Stop() {
	if h == nil || h.stop == nil {
		return
	}
	h.Signal()
	<-h.done
}
