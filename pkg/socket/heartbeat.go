package socket

import (
	"sync"
	"sync/atomic"
	"time"
)

// heartbeat emits a keepalive callback every period and watches for peer
// silence: missCount consecutive ticks without a Beat fire onTimeout.
type heartbeat struct {
	period    time.Duration
	missCount int
	onTick    func()
	onTimeout func()

	beats atomic.Uint64
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func startHeartbeat(period time.Duration, missCount int, onTimeout, onTick func()) *heartbeat {
	h := &heartbeat{
		period:    period,
		missCount: missCount,
		onTick:    onTick,
		onTimeout: onTimeout,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *heartbeat) run() {
	defer close(h.done)
	t := time.NewTicker(h.period)
	defer t.Stop()
	missed := 0
	for {
		select {
		case <-t.C:
			if h.beats.Swap(0) == 0 {
				missed++
			} else {
				missed = 0
			}
			if missed >= h.missCount {
				missed = 0
				h.onTimeout()
				continue
			}
			h.onTick()
		case <-h.stop:
			return
		}
	}
}

// Beat records evidence of peer liveness, resetting the miss counter.
func (h *heartbeat) Beat() {
	h.beats.Add(1)
}

// Stop cancels pending ticks.
func (h *heartbeat) Stop() {
	h.once.Do(func() { close(h.stop) })
}

// WaitEnd blocks until the ticker goroutine has exited. Must be called before
// tearing down the buffers its callbacks touch.
func (h *heartbeat) WaitEnd() {
	<-h.done
}
