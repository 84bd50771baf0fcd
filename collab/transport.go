package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// the connection manager owns exactly one logical realtime connection.
// it dials, authenticates, waits for the server ack with the connection id,
// then runs paired write/read pumps until the connection closes.
// on unexpected close it reconnects with exponential backoff as long as at
// least one topic is active, re-issuing subscribe frames via the connect
// callbacks before announcing the live state. after the attempts are
// exhausted it parks in a terminal `StateConnectionLost` until `Retry`.

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateConnectionLost
)

func (self ConnectionState) String() string {
	switch self {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateConnectionLost:
		return "connection_lost"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type MessageFunction func(message any)
type StateChangeFunction func(state ConnectionState)

// fired on every successful (re)connect, before the connected state is
// announced, so that subscriptions are re-issued first
type ConnectFunction func()

type ConnectionManagerSettings struct {
	WsHandshakeTimeout   time.Duration
	AuthTimeout          time.Duration
	PingTimeout          time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	SendBufferSize       int
}

func DefaultConnectionManagerSettings() *ConnectionManagerSettings {
	return &ConnectionManagerSettings{
		WsHandshakeTimeout:   2 * time.Second,
		AuthTimeout:          2 * time.Second,
		PingTimeout:          1 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          15 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		MaxReconnectAttempts: 5,
		SendBufferSize:       32,
	}
}

type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	url  string
	auth *ClientAuth

	settings *ConnectionManagerSettings

	send chan []byte

	messageCallbacks     *CallbackList[MessageFunction]
	stateChangeCallbacks *CallbackList[StateChangeFunction]
	connectCallbacks     *CallbackList[ConnectFunction]

	stateMonitor *Monitor
	openMonitor  *Monitor
	retryMonitor *Monitor

	stateLock    sync.Mutex
	state        ConnectionState
	connectionId Id
	opened       bool
	activeTopics func() []Topic
}

func NewConnectionManagerWithDefaults(
	ctx context.Context,
	url string,
	auth *ClientAuth,
) *ConnectionManager {
	return NewConnectionManager(ctx, url, auth, DefaultConnectionManagerSettings())
}

func NewConnectionManager(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	settings *ConnectionManagerSettings,
) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionManager{
		ctx:                  cancelCtx,
		cancel:               cancel,
		url:                  url,
		auth:                 auth,
		settings:             settings,
		send:                 make(chan []byte, settings.SendBufferSize),
		messageCallbacks:     NewCallbackList[MessageFunction](),
		stateChangeCallbacks: NewCallbackList[StateChangeFunction](),
		connectCallbacks:     NewCallbackList[ConnectFunction](),
		stateMonitor:         NewMonitor(),
		openMonitor:          NewMonitor(),
		retryMonitor:         NewMonitor(),
	}
}

// the registry supplies the set of topics with at least one local listener.
// reconnection is gated on this set being non-empty.
func (self *ConnectionManager) setTopicSource(activeTopics func() []Topic) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.activeTopics = activeTopics
}

func (self *ConnectionManager) topicCount() int {
	self.stateLock.Lock()
	activeTopics := self.activeTopics
	self.stateLock.Unlock()

	if activeTopics == nil {
		return 0
	}
	return len(activeTopics())
}

func (self *ConnectionManager) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// the server-assigned connection id, which doubles as the session id for
// lock ownership. zero until the first successful connect.
func (self *ConnectionManager) ConnectionId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connectionId
}

func (self *ConnectionManager) AddMessageCallback(callback MessageFunction) Id {
	return self.messageCallbacks.Add(callback)
}

func (self *ConnectionManager) RemoveMessageCallback(callbackId Id) {
	self.messageCallbacks.Remove(callbackId)
}

func (self *ConnectionManager) AddStateChangeCallback(callback StateChangeFunction) Id {
	return self.stateChangeCallbacks.Add(callback)
}

func (self *ConnectionManager) RemoveStateChangeCallback(callbackId Id) {
	self.stateChangeCallbacks.Remove(callbackId)
}

func (self *ConnectionManager) AddConnectCallback(callback ConnectFunction) Id {
	return self.connectCallbacks.Add(callback)
}

func (self *ConnectionManager) RemoveConnectCallback(callbackId Id) {
	self.connectCallbacks.Remove(callbackId)
}

// starts the connection loop if it is not running, and wakes it if it is
// parked waiting for an active topic
func (self *ConnectionManager) Open() {
	self.stateLock.Lock()
	if !self.opened {
		self.opened = true
		go self.run()
	}
	self.stateLock.Unlock()
	self.openMonitor.NotifyAll()
}

// blocks until the connection is live, the connection is terminally lost,
// or the context ends
func (self *ConnectionManager) Connect(ctx context.Context) error {
	self.Open()
	for {
		notify := self.stateMonitor.NotifyChannel()
		switch self.State() {
		case StateConnected:
			return nil
		case StateConnectionLost:
			return &ConnectionError{Url: self.url, Err: ErrConnectionLost}
		}
		select {
		case <-ctx.Done():
			return &ConnectionError{Url: self.url, Err: ctx.Err()}
		case <-self.ctx.Done():
			return &ConnectionError{Url: self.url, Err: ErrConnectionLost}
		case <-notify:
		}
	}
}

// restarts the connection loop after a terminal `StateConnectionLost`
func (self *ConnectionManager) Retry() {
	if self.State() == StateConnectionLost {
		self.retryMonitor.NotifyAll()
	}
}

// queues a message for the write pump. returns `ErrNotConnected` when the
// connection is not live. presence/cursor/typing callers drop this error.
func (self *ConnectionManager) Send(message any) error {
	if self.State() != StateConnected {
		return ErrNotConnected
	}
	messageBytes, err := EncodeMessage(message)
	if err != nil {
		return err
	}
	select {
	case self.send <- messageBytes:
		return nil
	case <-self.ctx.Done():
		return ErrNotConnected
	case <-time.After(self.settings.WriteTimeout):
		// send buffer full
		glog.Infof("[cm]send buffer full, drop\n")
		return ErrNotConnected
	}
}

func (self *ConnectionManager) Close() {
	self.cancel()
	self.setState(StateDisconnected)
}

func (self *ConnectionManager) run() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = self.settings.ReconnectBaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = self.settings.ReconnectBaseDelay << uint(self.settings.MaxReconnectAttempts)
	b.MaxElapsedTime = 0
	b.Reset()
	attempts := 0

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		connected := self.runOne()
		if self.ctx.Err() != nil {
			return
		}
		if connected {
			attempts = 0
			b.Reset()
		} else {
			attempts += 1
		}
		self.setState(StateDisconnected)

		// grab the notify channels before checking the conditions so a
		// racing notify cannot be missed
		openNotify := self.openMonitor.NotifyChannel()
		if self.topicCount() == 0 {
			// nothing is listening. park until the next subscribe.
			select {
			case <-self.ctx.Done():
				return
			case <-openNotify:
				attempts = 0
				b.Reset()
				continue
			}
		}

		if !connected && self.settings.MaxReconnectAttempts <= attempts {
			glog.Infof("[cm]connection lost after %d attempts\n", attempts)
			retryNotify := self.retryMonitor.NotifyChannel()
			self.setState(StateConnectionLost)
			select {
			case <-self.ctx.Done():
				return
			case <-retryNotify:
				attempts = 0
				b.Reset()
				continue
			}
		}

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(b.NextBackOff()):
		}
	}
}

// one connection lifetime. returns true if the handshake completed,
// whether or not the connection later closed unexpectedly.
func (self *ConnectionManager) runOne() bool {
	self.setState(StateConnecting)

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
	if err != nil {
		glog.Infof("[cm]connect %s error = %s\n", self.url, err)
		return false
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	authBytes, err := EncodeMessage(&Auth{
		ByJwt:      self.auth.ByJwt,
		AppVersion: self.auth.AppVersion,
	})
	if err != nil {
		return false
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		glog.Infof("[cm]auth error = %s\n", err)
		return false
	}

	// the server acks with the assigned connection id
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, ackBytes, err := ws.ReadMessage()
	if err != nil {
		glog.Infof("[cm]auth ack error = %s\n", err)
		return false
	}
	ack, err := DecodeMessage(ackBytes)
	if err != nil {
		glog.Infof("[cm]auth ack decode error = %s\n", err)
		return false
	}
	collaborationConnected, ok := ack.(*CollaborationConnected)
	if !ok {
		glog.Infof("[cm]auth ack error: unexpected %T\n", ack)
		return false
	}

	success = true
	defer ws.Close()

	self.setConnected(collaborationConnected.ConnectionId)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case messageBytes := <-self.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[cm]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[cm]->\n")
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, RequireEncodeMessage(&Ping{})); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return true
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, messageBytes, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[cm]<- error = %s\n", err)
			return true
		}

		if len(messageBytes) == 0 {
			// ping
			glog.V(2).Infof("[cm]ping<-\n")
			continue
		}

		message, err := DecodeMessage(messageBytes)
		if err != nil {
			glog.Infof("[cm]<- decode error = %s\n", err)
			continue
		}
		if _, ok := message.(*Ping); ok {
			glog.V(2).Infof("[cm]ping<-\n")
			continue
		}

		// dispatch synchronously so per-topic arrival order is preserved
		for _, callback := range self.messageCallbacks.Get() {
			dispatchMessage(callback, message)
		}
		glog.V(2).Infof("[cm]<-\n")
	}
}

// callbacks are wrapped to recover from errors
func dispatchMessage(callback MessageFunction, message any) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[cm]message callback panic = %s\n", r)
		}
	}()
	callback(message)
}

func (self *ConnectionManager) setState(state ConnectionState) {
	self.stateLock.Lock()
	if self.state == state {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	self.stateLock.Unlock()

	for _, callback := range self.stateChangeCallbacks.Get() {
		callback(state)
	}
	self.stateMonitor.NotifyAll()
}

func (self *ConnectionManager) setConnected(connectionId Id) {
	self.stateLock.Lock()
	self.state = StateConnected
	self.connectionId = connectionId
	self.stateLock.Unlock()

	// re-issue subscriptions before announcing the live state.
	// server-side subscriptions do not survive a disconnect.
	for _, callback := range self.connectCallbacks.Get() {
		callback()
	}
	for _, callback := range self.stateChangeCallbacks.Get() {
		callback(StateConnected)
	}
	self.stateMonitor.NotifyAll()
}
