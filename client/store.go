package client

import (
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Snapshot is the value stored under a cache key: either a single
// entity (the signed-in identity) or an ordered entity sequence.
// The zero Snapshot is an empty sequence.
type Snapshot struct {
	object Entity
	list   []Entity
	isList bool
}

func ObjectSnapshot(object Entity) Snapshot {
	return Snapshot{
		object: object,
	}
}

func ListSnapshot(list ...Entity) Snapshot {
	return Snapshot{
		list:   slices.Clone(list),
		isList: true,
	}
}

func (self Snapshot) IsList() bool {
	return self.isList
}

func (self Snapshot) Object() (Entity, bool) {
	if self.isList || self.object == nil {
		return nil, false
	}
	return self.object, true
}

// List returns a copy of the sequence so callers cannot mutate the
// stored snapshot in place.
func (self Snapshot) List() ([]Entity, bool) {
	if !self.isList {
		return nil, false
	}
	return slices.Clone(self.list), true
}

func (self Snapshot) Len() int {
	if self.isList {
		return len(self.list)
	}
	if self.object == nil {
		return 0
	}
	return 1
}

type SubscribeFunction func(key Key)

// Store is the process-wide cache of server-owned resource snapshots.
// It is a dumb observable key/value map: no shape validation, no
// persistence, and mutations never fail. Subscribers are notified
// synchronously with respect to the mutating call.
type Store struct {
	mutex       sync.Mutex
	entries     map[Key]Snapshot
	subscribers *CallbackList[SubscribeFunction]
}

func NewStore() *Store {
	store := &Store{
		entries:     map[Key]Snapshot{},
		subscribers: NewCallbackList[SubscribeFunction](),
	}
	store.seed()
	return store
}

func (self *Store) seed() {
	for _, key := range KnownKeys() {
		if key == KeyStaff {
			// identity entry starts absent until sign-in
			continue
		}
		self.entries[key] = ListSnapshot()
	}
}

func (self *Store) Get(key Key) (Snapshot, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	snapshot, ok := self.entries[key]
	return snapshot, ok
}

// Replace unconditionally overwrites the value under key.
func (self *Store) Replace(key Key, snapshot Snapshot) {
	self.mutex.Lock()
	self.entries[key] = snapshot
	self.mutex.Unlock()
	self.notify(key)
}

// Append concatenates items onto the sequence under key, seeding the
// sequence when no value exists. Duplicates are not filtered.
// Appending to an object entry is a caller bug and is dropped.
func (self *Store) Append(key Key, items ...Entity) {
	self.mutex.Lock()
	existing, ok := self.entries[key]
	if ok && !existing.isList {
		self.mutex.Unlock()
		glog.Infof("[store]append to object entry %s dropped\n", key)
		return
	}
	next := Snapshot{
		list:   append(slices.Clone(existing.list), items...),
		isList: true,
	}
	self.entries[key] = next
	self.mutex.Unlock()
	self.notify(key)
}

// Delete removes the entry under key. Used on sign-out.
func (self *Store) Delete(key Key) {
	self.mutex.Lock()
	delete(self.entries, key)
	self.mutex.Unlock()
	self.notify(key)
}

// Reset discards the session's data and reseeds the known keys.
// Every known key is notified, identity last.
func (self *Store) Reset() {
	self.mutex.Lock()
	self.entries = map[Key]Snapshot{}
	self.seed()
	self.mutex.Unlock()
	for _, key := range KnownKeys() {
		if key != KeyStaff {
			self.notify(key)
		}
	}
	self.notify(KeyStaff)
}

// Resolve looks up an entity by id under key. A placeholder entity is
// never returned; selecting one is an explicit error path.
func (self *Store) Resolve(key Key, id EntityId) (Entity, error) {
	snapshot, ok := self.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, key, id)
	}
	var found Entity
	if object, ok := snapshot.Object(); ok && object.EntityId() == id {
		found = object
	} else if list, ok := snapshot.List(); ok {
		for _, entity := range list {
			if entity.EntityId() == id {
				found = entity
				break
			}
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, key, id)
	}
	if found.IsPlaceholder() {
		return nil, fmt.Errorf("%w: %s/%s", ErrPlaceholder, key, id)
	}
	return found, nil
}

// Identity returns the signed-in staff identity, if present.
func (self *Store) Identity() (*Staff, bool) {
	snapshot, ok := self.Get(KeyStaff)
	if !ok {
		return nil, false
	}
	object, ok := snapshot.Object()
	if !ok {
		return nil, false
	}
	staff, ok := object.(*Staff)
	if !ok || staff.Id == "" {
		return nil, false
	}
	return staff, true
}

func (self *Store) Keys() []Key {
	self.mutex.Lock()
	keys := maps.Keys(self.entries)
	self.mutex.Unlock()
	slices.Sort(keys)
	return keys
}

// AddSubscriber registers a mutation observer and returns a remove
// function. The observer runs synchronously inside each mutation call.
func (self *Store) AddSubscriber(callback SubscribeFunction) func() {
	return self.subscribers.add(callback)
}

func (self *Store) notify(key Key) {
	for _, callback := range self.subscribers.get() {
		callback(key)
	}
}
