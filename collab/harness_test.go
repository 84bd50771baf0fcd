package collab

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// in-process collaboration endpoint for tests. it accepts the auth
// handshake, acks with a connection id, records every decoded inbound frame,
// and lets tests push frames and drop connections.

type testServer struct {
	t          *testing.T
	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	mutex sync.Mutex
	conns []*testServerConn

	received chan any
	connects chan *testServerConn
}

type testServerConn struct {
	ws           *websocket.Conn
	connectionId Id

	writeMutex sync.Mutex
}

func newTestServer(t *testing.T) *testServer {
	server := &testServer{
		t:        t,
		received: make(chan any, 1024),
		connects: make(chan *testServerConn, 16),
	}
	server.httpServer = httptest.NewServer(http.HandlerFunc(server.handle))
	return server
}

func (self *testServer) url() string {
	return "ws" + strings.TrimPrefix(self.httpServer.URL, "http")
}

func (self *testServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, authBytes, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return
	}
	if _, err := DecodeMessage(authBytes); err != nil {
		ws.Close()
		return
	}

	conn := &testServerConn{
		ws:           ws,
		connectionId: NewId(),
	}
	conn.send(&CollaborationConnected{ConnectionId: conn.connectionId})

	self.mutex.Lock()
	self.conns = append(self.conns, conn)
	self.mutex.Unlock()
	self.connects <- conn

	for {
		ws.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, messageBytes, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if len(messageBytes) == 0 {
			continue
		}
		message, err := DecodeMessage(messageBytes)
		if err != nil {
			continue
		}
		if _, ok := message.(*Ping); ok {
			continue
		}
		self.received <- message
	}
}

func (self *testServerConn) send(message any) error {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	return self.ws.WriteMessage(websocket.TextMessage, RequireEncodeMessage(message))
}

// waits for the next established connection
func (self *testServer) nextConn(timeout time.Duration) *testServerConn {
	select {
	case conn := <-self.connects:
		return conn
	case <-time.After(timeout):
		self.t.Fatalf("no connection within %s", timeout)
		return nil
	}
}

// waits for the next inbound frame
func (self *testServer) nextMessage(timeout time.Duration) any {
	select {
	case message := <-self.received:
		return message
	case <-time.After(timeout):
		return nil
	}
}

func (self *testServer) drain() {
	for {
		select {
		case <-self.received:
		default:
			return
		}
	}
}

// drops all active connections, simulating a network blip
func (self *testServer) dropConns() {
	self.mutex.Lock()
	conns := self.conns
	self.conns = nil
	self.mutex.Unlock()

	for _, conn := range conns {
		conn.ws.Close()
	}
}

func (self *testServer) close() {
	self.dropConns()
	self.httpServer.Close()
}

// polls a condition instead of sleeping a fixed amount
func waitFor(timeout time.Duration, condition func() bool) bool {
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return condition()
}

func makeTestJwt(t *testing.T, actorId Id, displayName string) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"actor_id":     actorId.String(),
		"display_name": displayName,
	})
	jwtStr, err := token.SignedString([]byte("test"))
	if err != nil {
		t.Fatal(err)
	}
	return jwtStr
}

// fast timings so reconnect tests run in milliseconds
func testConnectionManagerSettings() *ConnectionManagerSettings {
	settings := DefaultConnectionManagerSettings()
	settings.WsHandshakeTimeout = 2 * time.Second
	settings.AuthTimeout = 2 * time.Second
	settings.PingTimeout = 100 * time.Millisecond
	settings.WriteTimeout = 1 * time.Second
	// the harness server does not ping. drops are detected by the closed
	// socket, not by the read deadline.
	settings.ReadTimeout = 15 * time.Second
	settings.ReconnectBaseDelay = 20 * time.Millisecond
	return settings
}

// a tcp endpoint that accepts and immediately closes, so every websocket
// dial fails. records the accept times for backoff assertions.
type refusingEndpoint struct {
	listener net.Listener

	mutex   sync.Mutex
	accepts []time.Time
}

func newRefusingEndpoint(t *testing.T) *refusingEndpoint {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	endpoint := &refusingEndpoint{
		listener: listener,
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			endpoint.mutex.Lock()
			endpoint.accepts = append(endpoint.accepts, time.Now())
			endpoint.mutex.Unlock()
			conn.Close()
		}
	}()
	return endpoint
}

func (self *refusingEndpoint) url() string {
	return "ws://" + self.listener.Addr().String()
}

func (self *refusingEndpoint) acceptTimes() []time.Time {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return append([]time.Time{}, self.accepts...)
}

func (self *refusingEndpoint) close() {
	self.listener.Close()
}
