package run

import (
	"sync"
	"time"
)

// Clock calls fn on every interval from its own goroutine until Stop.
type Clock struct {
	interval time.Duration
	fn       func()

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewClock(interval time.Duration, fn func()) *Clock {
	if interval <= 0 {
		interval = time.Second
	}
	return &Clock{
		interval: interval,
		fn:       fn,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the ticking goroutine. It does not block.
func (c *Clock) Start() {
	go c.loop()
}

func (c *Clock) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			// a stop racing with a tick wins
			select {
			case <-c.stop:
				return
			default:
			}
			c.fn()
		}
	}
}

// Stop ends the clock and waits for the goroutine to exit, so fn is never
// called after Stop returns. Must not be called before Start.
func (c *Clock) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}
