package client

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
)

// push protocol frame types. unknown types are ignored.
const (
	frameTypeIntroduce    = "introduce"
	frameTypeRefresh      = "refresh"
	frameTypeNotification = "notification"
)

type pushFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type introducePayload struct {
	Id   EntityId `json:"id"`
	Role string   `json:"role,omitempty"`
}

type refreshPayload struct {
	Resource  string `json:"resource"`
	Timestamp int64  `json:"timestamp"`
}

// WsUrl derives the push endpoint from the API base url:
// the scheme flips to ws(s) and the api path prefix is dropped.
func WsUrl(apiUrl string) string {
	wsUrl := apiUrl
	if strings.HasPrefix(wsUrl, "http") {
		wsUrl = "ws" + strings.TrimPrefix(wsUrl, "http")
	}
	return strings.Replace(wsUrl, "/api", "", 1)
}

// NotificationRegistry maps a pushed resource name to the notification
// title raised for it. Resources without an entry raise nothing.
type NotificationRegistry struct {
	mutex  sync.Mutex
	titles map[string]string
}

func NewNotificationRegistry() *NotificationRegistry {
	return &NotificationRegistry{
		titles: map[string]string{
			"announcements": "New Announcement",
			"cases":         "New Report",
			"requests":      "New Request",
		},
	}
}

func (self *NotificationRegistry) Register(resource string, title string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.titles[resource] = title
}

func (self *NotificationRegistry) Title(resource string) (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	title, ok := self.titles[resource]
	return title, ok
}

// NotifyFunction receives notification text for the desktop shell to
// raise natively.
type NotifyFunction func(title string, body string)

type PushChannelSettings struct {
	WsHandshakeTimeout  time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	PingTimeout         time.Duration
	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration
	// replayed refresh events within this window notify only once
	EventWindowSize int
	Clock           clockwork.Clock
}

func DefaultPushChannelSettings() *PushChannelSettings {
	return &PushChannelSettings{
		WsHandshakeTimeout:  2 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         60 * time.Second,
		PingTimeout:         15 * time.Second,
		ReconnectMinTimeout: 1 * time.Second,
		ReconnectMaxTimeout: 60 * time.Second,
		EventWindowSize:     256,
		Clock:               clockwork.NewRealClock(),
	}
}

// PushChannel maintains exactly one open connection to the server for
// the lifetime of a known, authenticated identity, and translates
// server-pushed events into local side effects: every refresh event
// bumps the invalidation signal, and recognized resources raise a
// notification through the notify callbacks.
//
// On close or error the channel reconnects with exponential backoff
// and re-introduces itself. Close tears the connection down; the owner
// must do that whenever the identity changes.
type PushChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl    string
	identity SessionIdentity

	// correlates log lines across reconnects of this channel
	instanceId ulid.ULID

	refreshMonitor  *RefreshMonitor
	registry        *NotificationRegistry
	notifyCallbacks *CallbackList[NotifyFunction]
	seenEvents      *lru.Cache[refreshPayload, bool]

	settings *PushChannelSettings
}

func NewPushChannelWithDefaults(
	ctx context.Context,
	wsUrl string,
	identity SessionIdentity,
	refreshMonitor *RefreshMonitor,
) (*PushChannel, error) {
	return NewPushChannel(
		ctx,
		wsUrl,
		identity,
		refreshMonitor,
		NewNotificationRegistry(),
		DefaultPushChannelSettings(),
	)
}

func NewPushChannel(
	ctx context.Context,
	wsUrl string,
	identity SessionIdentity,
	refreshMonitor *RefreshMonitor,
	registry *NotificationRegistry,
	settings *PushChannelSettings,
) (*PushChannel, error) {
	if identity.Id == "" {
		// never connect with an anonymous identity
		return nil, ErrAnonymousIdentity
	}

	seenEvents, err := lru.New[refreshPayload, bool](settings.EventWindowSize)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &PushChannel{
		ctx:             cancelCtx,
		cancel:          cancel,
		wsUrl:           wsUrl,
		identity:        identity,
		instanceId:      ulid.Make(),
		refreshMonitor:  refreshMonitor,
		registry:        registry,
		notifyCallbacks: NewCallbackList[NotifyFunction](),
		seenEvents:      seenEvents,
		settings:        settings,
	}
	go channel.run()
	return channel, nil
}

// AddNotifyCallback registers a notification sink and returns a remove
// function.
func (self *PushChannel) AddNotifyCallback(callback NotifyFunction) func() {
	return self.notifyCallbacks.add(callback)
}

func (self *PushChannel) run() {
	defer self.cancel()

	reconnect := NewReconnect(
		self.settings.Clock,
		self.settings.ReconnectMinTimeout,
		self.settings.ReconnectMaxTimeout,
	)
	for {
		ws, err := self.connect()
		if err != nil {
			glog.Infof("[push]%s connect error = %s\n", self.instanceId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		// healthy connection; the next failure backs off from the
		// minimum again
		reconnect.Reset()

		self.handle(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// connect dials the push endpoint and introduces this identity so the
// server can route future events to the connection.
func (self *PushChannel) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.wsUrl, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	payloadBytes, err := json.Marshal(&introducePayload{
		Id:   self.identity.Id,
		Role: self.identity.Role,
	})
	if err != nil {
		return nil, err
	}
	introduceBytes, err := json.Marshal(&pushFrame{
		Type:    frameTypeIntroduce,
		Payload: payloadBytes,
	})
	if err != nil {
		return nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, introduceBytes); err != nil {
		return nil, err
	}

	success = true
	return ws, nil
}

func (self *PushChannel) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// pongs extend the read deadline so an idle but healthy
	// connection is not torn down
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	})

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[push]%s read error = %s\n", self.instanceId, err)
				return
			}

			switch messageType {
			case websocket.TextMessage:
				self.handleMessage(message)
			default:
				glog.V(2).Infof("[push]%s ignore message type = %d\n", self.instanceId, messageType)
			}
		}
	}()

	<-handleCtx.Done()
}

func (self *PushChannel) handleMessage(message []byte) {
	var frame pushFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		glog.Infof("[push]%s malformed frame = %s\n", self.instanceId, err)
		return
	}

	switch frame.Type {
	case frameTypeRefresh:
		var payload refreshPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			glog.Infof("[push]%s malformed refresh payload = %s\n", self.instanceId, err)
			return
		}

		// the bump is unconditional. only the notification is deduped,
		// to absorb event replays after a reconnect
		self.refreshMonitor.Bump(payload.Timestamp)
		glog.V(2).Infof("[push]%s refresh %s@%d\n", self.instanceId, payload.Resource, payload.Timestamp)

		if _, seen := self.seenEvents.Get(payload); seen {
			return
		}
		self.seenEvents.Add(payload, true)

		if title, ok := self.registry.Title(payload.Resource); ok {
			for _, callback := range self.notifyCallbacks.get() {
				callback(title, "Open the console to view the latest changes.")
			}
		}
	case frameTypeNotification:
		// extension point. logged until the product defines a surface
		// for ad hoc notifications
		glog.Infof("[push]%s notification = %s\n", self.instanceId, string(frame.Payload))
	default:
		glog.V(2).Infof("[push]%s ignore frame type = %s\n", self.instanceId, frame.Type)
	}
}

func (self *PushChannel) Close() {
	self.cancel()
}

// Done resolves when the channel has fully stopped.
func (self *PushChannel) Done() <-chan struct{} {
	return self.ctx.Done()
}
