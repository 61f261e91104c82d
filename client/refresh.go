package client

import (
	"sync"
)

// RefreshSignal is the shared "last invalidated at" marker. Observers
// must compare Generation, not Timestamp: a bump with a repeated
// timestamp is still a new signal, and Generation 0 means "no
// invalidation yet", which is never treated as stale.
type RefreshSignal struct {
	Generation uint64
	// epoch millis reported by the server for the change, 0 before
	// the first bump
	Timestamp int64
}

// RefreshMonitor tells every data-consuming controller to re-fetch.
// There is one per authenticated session.
type RefreshMonitor struct {
	mutex   sync.Mutex
	signal  RefreshSignal
	monitor *Monitor
}

func NewRefreshMonitor() *RefreshMonitor {
	return &RefreshMonitor{
		monitor: NewMonitor(),
	}
}

// Bump stores a new signal value and wakes all waiters.
// Timestamps are monotonically non-decreasing by convention only.
func (self *RefreshMonitor) Bump(timestampMillis int64) {
	self.mutex.Lock()
	self.signal = RefreshSignal{
		Generation: self.signal.Generation + 1,
		Timestamp:  timestampMillis,
	}
	self.mutex.Unlock()
	self.monitor.NotifyAll()
}

func (self *RefreshMonitor) Read() RefreshSignal {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.signal
}

// NotifyChannel returns a channel that is closed on the next Bump.
func (self *RefreshMonitor) NotifyChannel() <-chan struct{} {
	return self.monitor.NotifyChannel()
}
