package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

func testPushChannelSettings() *PushChannelSettings {
	return &PushChannelSettings{
		WsHandshakeTimeout:  2 * time.Second,
		WriteTimeout:        2 * time.Second,
		ReadTimeout:         5 * time.Second,
		PingTimeout:         time.Second,
		ReconnectMinTimeout: 10 * time.Millisecond,
		ReconnectMaxTimeout: 50 * time.Millisecond,
		EventWindowSize:     16,
		Clock:               clockwork.NewRealClock(),
	}
}

// pushServer upgrades every request, records the introduce frame, and
// hands the connection to a per-test script.
type pushServer struct {
	mutex      sync.Mutex
	upgrader   websocket.Upgrader
	introduces []introducePayload
	script     func(ws *websocket.Conn)
}

func (self *pushServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	_, message, err := ws.ReadMessage()
	if err != nil {
		return
	}
	var frame pushFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return
	}
	var payload introducePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}
	self.mutex.Lock()
	self.introduces = append(self.introduces, payload)
	self.mutex.Unlock()

	if self.script != nil {
		self.script(ws)
	}
}

func (self *pushServer) introduceCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.introduces)
}

func (self *pushServer) lastIntroduce() introducePayload {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.introduces) == 0 {
		return introducePayload{}
	}
	return self.introduces[len(self.introduces)-1]
}

func testWsUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func writeFrame(ws *websocket.Conn, frame string) error {
	ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

// holdOpen keeps the server side reading until the client goes away.
func holdOpen(ws *websocket.Conn) {
	for {
		ws.SetReadDeadline(time.Now().Add(30 * time.Second))
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestWsUrl(t *testing.T) {
	assert.Equal(t, WsUrl("https://api.example.com/api"), "wss://api.example.com")
	assert.Equal(t, WsUrl("http://localhost:3000/api"), "ws://localhost:3000")
	assert.Equal(t, WsUrl("http://localhost:3000"), "ws://localhost:3000")
}

func TestPushChannelRejectsAnonymousIdentity(t *testing.T) {
	_, err := NewPushChannelWithDefaults(
		context.Background(),
		"ws://localhost:0",
		SessionIdentity{},
		NewRefreshMonitor(),
	)
	assert.Equal(t, errors.Is(err, ErrAnonymousIdentity), true)
}

func TestPushChannelIntroduceAndRefresh(t *testing.T) {
	// hold the refresh until the notify callback is listening
	listening := make(chan struct{})
	server := &pushServer{
		script: func(ws *websocket.Conn) {
			<-listening
			writeFrame(ws, `{"type":"refresh","payload":{"resource":"cases","timestamp":1700000000000}}`)
			holdOpen(ws)
		},
	}
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	refreshMonitor := NewRefreshMonitor()
	channel, err := NewPushChannel(
		context.Background(),
		testWsUrl(httpServer),
		SessionIdentity{Id: "staff-1", Role: "head"},
		refreshMonitor,
		NewNotificationRegistry(),
		testPushChannelSettings(),
	)
	assert.Equal(t, err, nil)
	defer channel.Close()

	var mutex sync.Mutex
	titles := []string{}
	channel.AddNotifyCallback(func(title string, body string) {
		mutex.Lock()
		titles = append(titles, title)
		mutex.Unlock()
	})
	close(listening)

	waitFor(t, 5*time.Second, func() bool {
		return server.introduceCount() == 1
	})
	assert.Equal(t, server.lastIntroduce(), introducePayload{Id: "staff-1", Role: "head"})

	waitFor(t, 5*time.Second, func() bool {
		signal := refreshMonitor.Read()
		return signal.Generation == 1 && signal.Timestamp == 1700000000000
	})

	waitFor(t, 5*time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(titles) == 1 && titles[0] == "New Report"
	})
}

func TestPushChannelReconnectsWithBackoff(t *testing.T) {
	// the server drops every connection right after the introduction
	server := &pushServer{}
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	refreshMonitor := NewRefreshMonitor()
	channel, err := NewPushChannel(
		context.Background(),
		testWsUrl(httpServer),
		SessionIdentity{Id: "staff-1", Role: "head"},
		refreshMonitor,
		NewNotificationRegistry(),
		testPushChannelSettings(),
	)
	assert.Equal(t, err, nil)
	defer channel.Close()

	// every reconnect re-introduces the identity
	waitFor(t, 5*time.Second, func() bool {
		return 3 <= server.introduceCount()
	})
	assert.Equal(t, server.lastIntroduce().Id, EntityId("staff-1"))
}

func TestPushChannelNotificationDedup(t *testing.T) {
	listening := make(chan struct{})
	server := &pushServer{
		script: func(ws *websocket.Conn) {
			<-listening
			// a replayed event bumps the signal again but notifies once
			writeFrame(ws, `{"type":"refresh","payload":{"resource":"cases","timestamp":1700000000000}}`)
			writeFrame(ws, `{"type":"refresh","payload":{"resource":"cases","timestamp":1700000000000}}`)
			writeFrame(ws, `{"type":"refresh","payload":{"resource":"announcements","timestamp":1700000000001}}`)
			holdOpen(ws)
		},
	}
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	refreshMonitor := NewRefreshMonitor()
	channel, err := NewPushChannel(
		context.Background(),
		testWsUrl(httpServer),
		SessionIdentity{Id: "staff-1", Role: "head"},
		refreshMonitor,
		NewNotificationRegistry(),
		testPushChannelSettings(),
	)
	assert.Equal(t, err, nil)
	defer channel.Close()

	var mutex sync.Mutex
	titles := []string{}
	channel.AddNotifyCallback(func(title string, body string) {
		mutex.Lock()
		titles = append(titles, title)
		mutex.Unlock()
	})
	close(listening)

	waitFor(t, 5*time.Second, func() bool {
		return refreshMonitor.Read().Generation == 3
	})
	waitFor(t, 5*time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(titles) == 2
	})
	mutex.Lock()
	assert.Equal(t, titles, []string{"New Report", "New Announcement"})
	mutex.Unlock()
}

func TestPushChannelIgnoresUnknownFrames(t *testing.T) {
	server := &pushServer{
		script: func(ws *websocket.Conn) {
			writeFrame(ws, `{"type":"mystery","payload":{}}`)
			writeFrame(ws, `{"type":"notification","payload":{"title":"hello"}}`)
			writeFrame(ws, `not json at all`)
			// an unrecognized resource bumps but raises no notification
			writeFrame(ws, `{"type":"refresh","payload":{"resource":"unrecognized","timestamp":1}}`)
			holdOpen(ws)
		},
	}
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	refreshMonitor := NewRefreshMonitor()
	channel, err := NewPushChannel(
		context.Background(),
		testWsUrl(httpServer),
		SessionIdentity{Id: "staff-1", Role: "head"},
		refreshMonitor,
		NewNotificationRegistry(),
		testPushChannelSettings(),
	)
	assert.Equal(t, err, nil)
	defer channel.Close()

	var notifyCount int
	var mutex sync.Mutex
	channel.AddNotifyCallback(func(title string, body string) {
		mutex.Lock()
		notifyCount += 1
		mutex.Unlock()
	})

	waitFor(t, 5*time.Second, func() bool {
		return refreshMonitor.Read().Generation == 1
	})
	mutex.Lock()
	assert.Equal(t, notifyCount, 0)
	mutex.Unlock()
}

func TestNotificationRegistry(t *testing.T) {
	registry := NewNotificationRegistry()

	title, ok := registry.Title("announcements")
	assert.Equal(t, ok, true)
	assert.Equal(t, title, "New Announcement")

	title, ok = registry.Title("cases")
	assert.Equal(t, ok, true)
	assert.Equal(t, title, "New Report")

	_, ok = registry.Title("unrecognized")
	assert.Equal(t, ok, false)

	registry.Register("summons", "New Summon")
	title, ok = registry.Title("summons")
	assert.Equal(t, ok, true)
	assert.Equal(t, title, "New Summon")
}
