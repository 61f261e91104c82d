package client

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

type CoordinatorSettings struct {
	ChannelSettings *PushChannelSettings
}

func DefaultCoordinatorSettings() *CoordinatorSettings {
	return &CoordinatorSettings{
		ChannelSettings: DefaultPushChannelSettings(),
	}
}

// Coordinator owns the process-wide sync state: one store, one
// invalidation signal, and at most one push channel, tied to the
// authenticated identity's lifetime. Individual views never own the
// channel; they bind fetchers through NewFetcher and read the store.
//
// The channel opens once the identity entry in the store has a valid
// id, is torn down and reopened when the identity changes, and is
// closed on sign-out so no socket leaks across sign-out/sign-in
// transitions.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	api            *Api
	store          *Store
	refreshMonitor *RefreshMonitor
	registry       *NotificationRegistry

	notifyCallbacks *CallbackList[NotifyFunction]
	identityMonitor *Monitor

	settings *CoordinatorSettings

	mutex     sync.Mutex
	channel   *PushChannel
	channelId EntityId

	removeSubscriber      func()
	removeSignOutCallback func()
}

func NewCoordinatorWithDefaults(ctx context.Context, api *Api) *Coordinator {
	return NewCoordinator(ctx, api, DefaultCoordinatorSettings())
}

func NewCoordinator(ctx context.Context, api *Api, settings *CoordinatorSettings) *Coordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	coordinator := &Coordinator{
		ctx:             cancelCtx,
		cancel:          cancel,
		api:             api,
		store:           NewStore(),
		refreshMonitor:  NewRefreshMonitor(),
		registry:        NewNotificationRegistry(),
		notifyCallbacks: NewCallbackList[NotifyFunction](),
		identityMonitor: NewMonitor(),
		settings:        settings,
	}

	coordinator.removeSubscriber = coordinator.store.AddSubscriber(func(key Key) {
		if key == KeyStaff {
			coordinator.identityMonitor.NotifyAll()
		}
	})
	coordinator.removeSignOutCallback = api.Transport().AddSignOutCallback(func(err error) {
		coordinator.signOut(err)
	})

	go coordinator.run()
	return coordinator
}

func (self *Coordinator) Store() *Store {
	return self.store
}

func (self *Coordinator) RefreshMonitor() *RefreshMonitor {
	return self.refreshMonitor
}

func (self *Coordinator) Registry() *NotificationRegistry {
	return self.registry
}

// AddNotifyCallback registers a notification sink that survives
// channel reconnects and identity changes.
func (self *Coordinator) AddNotifyCallback(callback NotifyFunction) func() {
	return self.notifyCallbacks.add(callback)
}

// NewFetcher binds a paginated fetch controller to the shared store,
// signal, and authenticated transport.
func (self *Coordinator) NewFetcher(url string, settings *FetcherSettings) *Fetcher {
	return NewFetcher(self.ctx, self.api.Transport(), self.store, self.refreshMonitor, url, settings)
}

// SetProfile stores the signed-in identity, which arms the push
// channel.
func (self *Coordinator) SetProfile(staff *Staff) {
	self.store.Replace(KeyStaff, ObjectSnapshot(staff))
}

func (self *Coordinator) run() {
	for {
		notify := self.identityMonitor.NotifyChannel()
		self.syncChannel()
		select {
		case <-self.ctx.Done():
			self.closeChannel()
			return
		case <-notify:
		}
	}
}

// syncChannel reconciles the channel with the identity entry:
// exactly one open channel per identity, none when anonymous.
func (self *Coordinator) syncChannel() {
	var identityId EntityId
	var role string
	if staff, ok := self.store.Identity(); ok {
		identityId = staff.Id
		role = staff.Role
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if identityId == self.channelId {
		return
	}

	// identity changed. never carry a socket across identities
	if self.channel != nil {
		self.channel.Close()
		self.channel = nil
	}
	self.channelId = identityId

	if identityId == "" {
		return
	}

	channel, err := NewPushChannel(
		self.ctx,
		WsUrl(self.api.Url()),
		SessionIdentity{
			Id:   identityId,
			Role: role,
		},
		self.refreshMonitor,
		self.registry,
		self.settings.ChannelSettings,
	)
	if err != nil {
		glog.Infof("[sync]open channel error = %s\n", err)
		return
	}
	channel.AddNotifyCallback(func(title string, body string) {
		for _, callback := range self.notifyCallbacks.get() {
			callback(title, body)
		}
	})
	self.channel = channel
}

func (self *Coordinator) closeChannel() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.channel != nil {
		self.channel.Close()
		self.channel = nil
	}
	self.channelId = ""
}

// signOut runs on session termination: the credential, the cached
// data, and the channel are all discarded. Resetting the store clears
// the identity entry, which closes the channel through syncChannel.
func (self *Coordinator) signOut(err error) {
	glog.Infof("[sync]sign out = %s\n", err)
	self.api.Session().Clear()
	self.store.Reset()
}

func (self *Coordinator) Close() {
	self.removeSubscriber()
	self.removeSignOutCallback()
	self.cancel()
}
