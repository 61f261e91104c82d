package client

import (
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Monitor broadcasts "something changed" to all current waiters by
// closing the update channel and replacing it with a new one.
// Waiters re-arm by calling NotifyChannel again.
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

// NotifyChannel returns a channel that is closed on the next NotifyAll.
func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

// makes a copy of the list on update
// function values are not comparable, so entries are tracked by id
type CallbackList[T any] struct {
	mutex          sync.Mutex
	callbackIds    []int
	callbacks      map[int]T
	nextCallbackId int
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   map[int]T{},
	}
}

// get returns the callbacks in add order.
func (self *CallbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

// add registers the callback and returns a remove function.
func (self *CallbackList[T]) add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback

	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	nextCallbackIds := make([]int, 0, len(self.callbackIds)-1)
	for _, existingId := range self.callbackIds {
		if existingId != callbackId {
			nextCallbackIds = append(nextCallbackIds, existingId)
		}
	}
	self.callbackIds = nextCallbackIds
}

// Reconnect schedules retries with exponential backoff and jitter.
// Each After call doubles the wait, capped at the maximum. Reset after
// a healthy connection so the next failure backs off from the minimum.
type Reconnect struct {
	clock      clockwork.Clock
	minTimeout time.Duration
	maxTimeout time.Duration
	attempt    int
}

func NewReconnect(clock clockwork.Clock, minTimeout time.Duration, maxTimeout time.Duration) *Reconnect {
	if maxTimeout < minTimeout {
		maxTimeout = minTimeout
	}
	return &Reconnect{
		clock:      clock,
		minTimeout: minTimeout,
		maxTimeout: maxTimeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	timeout := self.minTimeout
	for i := 0; i < self.attempt && timeout < self.maxTimeout; i += 1 {
		timeout *= 2
	}
	if self.maxTimeout < timeout {
		timeout = self.maxTimeout
	}
	self.attempt += 1

	// jitter in [timeout/2, timeout]
	jittered := timeout/2 + time.Duration(rand.Int63n(int64(timeout/2)+1))
	return self.clock.After(jittered)
}

func (self *Reconnect) Reset() {
	self.attempt = 0
}
