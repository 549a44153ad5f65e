package collab

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

var ErrNotConnected = errors.New("not connected")

type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateError
)

func (self ConnectionState) String() string {
	switch self {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

type ConnectionStateFunc func(state ConnectionState)

type ReceiveFunc func(envelope *Envelope)

type ConnectionManagerSettings struct {
	WsHandshakeTimeout time.Duration
	// fixed interval between reconnect attempts
	ReconnectInterval time.Duration
	// after this many failed attempts in a row the manager gives up
	// silently and surfaces StateError
	MaxReconnects  uint64
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	SendBufferSize int
}

func DefaultConnectionManagerSettings() *ConnectionManagerSettings {
	return &ConnectionManagerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectInterval:  5 * time.Second,
		MaxReconnects:      10,
		PingInterval:       1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendBufferSize:     32,
	}
}

// ConnectionManager owns exactly one live websocket to the sync endpoint and
// multiplexes every room over it. With no credentials it stays idle and
// `Conn` reports not connected rather than blocking.
type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	url  string
	auth *ClientAuth

	settings *ConnectionManagerSettings

	receiveCallbacks *CallbackList[ReceiveFunc]
	stateCallbacks   *CallbackList[ConnectionStateFunc]

	mutex sync.Mutex
	state ConnectionState
	conn  *websocket.Conn
	send  chan *Envelope
}

func NewConnectionManagerWithDefaults(ctx context.Context, url string, auth *ClientAuth) *ConnectionManager {
	return NewConnectionManager(ctx, url, auth, DefaultConnectionManagerSettings())
}

func NewConnectionManager(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	settings *ConnectionManagerSettings,
) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	connectionManager := &ConnectionManager{
		ctx:              cancelCtx,
		cancel:           cancel,
		url:              url,
		auth:             auth,
		settings:         settings,
		receiveCallbacks: NewCallbackList[ReceiveFunc](),
		stateCallbacks:   NewCallbackList[ConnectionStateFunc](),
		state:            StateIdle,
	}
	if auth.HasCredentials() {
		go connectionManager.run()
	}
	return connectionManager
}

func (self *ConnectionManager) run() {
	defer self.cancel()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	if self.auth.AuthToken != "" {
		header.Set("Authorization", "Bearer "+self.auth.AuthToken)
	}
	if self.auth.ShareToken != "" {
		header.Set("X-Share-Token", self.auth.ShareToken)
	}

	for {
		self.setState(StateConnecting)

		var ws *websocket.Conn
		connect := func() error {
			var err error
			ws, _, err = dialer.DialContext(self.ctx, self.url, header)
			if err != nil {
				glog.V(2).Infof("[c]dial error = %s\n", err)
			}
			return err
		}
		retry := backoff.WithContext(
			backoff.WithMaxRetries(
				backoff.NewConstantBackOff(self.settings.ReconnectInterval),
				self.settings.MaxReconnects,
			),
			self.ctx,
		)
		if err := backoff.Retry(connect, retry); err != nil {
			// retry cap reached. give up silently, the error state is the
			// only signal surfaced
			glog.Infof("[c]connect error = %s\n", err)
			self.setState(StateError)
			return
		}

		self.handle(ws)

		select {
		case <-self.ctx.Done():
			self.setState(StateDisconnected)
			return
		default:
		}
		self.setState(StateDisconnected)
	}
}

// handle runs the send and receive pumps for one live connection and
// returns when either side fails
func (self *ConnectionManager) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan *Envelope, self.settings.SendBufferSize)

	self.mutex.Lock()
	self.conn = ws
	self.send = send
	self.state = StateConnected
	self.mutex.Unlock()
	self.notifyState(StateConnected)

	defer func() {
		self.mutex.Lock()
		self.conn = nil
		self.send = nil
		self.mutex.Unlock()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case envelope, ok := <-send:
				if !ok {
					return
				}
				message, err := EncodeEnvelope(envelope)
				if err != nil {
					glog.Infof("[cs]encode error = %s\n", err)
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// a write deadline timeout cannot be recovered on websocket
					glog.Infof("[cs]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[cs]-> %s\n", envelope.Event)
			case <-time.After(self.settings.PingInterval):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	func() {
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
				glog.V(2).Infof("[cr]<- error = %s\n", err)
				return
			}

			switch messageType {
			case websocket.TextMessage:
				if len(message) == 0 {
					// ping
					glog.V(2).Infof("[cr]ping<-\n")
					continue
				}
				envelope, err := DecodeEnvelope(message)
				if err != nil {
					glog.Infof("[cr]decode error = %s\n", err)
					continue
				}
				glog.V(2).Infof("[cr]<- %s\n", envelope.Event)
				for _, receiveCallback := range self.receiveCallbacks.Get() {
					func() {
						defer func() {
							recover()
						}()
						receiveCallback(envelope)
					}()
				}
			default:
				glog.V(2).Infof("[cr]other=%d<-\n", messageType)
			}
		}
	}()
}

// Send queues an envelope for transmission. While disconnected the envelope
// is dropped and false is returned. Callers that cannot afford the drop go
// through the pending update buffer, which retransmits on flush.
func (self *ConnectionManager) Send(envelope *Envelope) bool {
	self.mutex.Lock()
	send := self.send
	self.mutex.Unlock()

	if send == nil {
		glog.V(2).Infof("[cs]drop %s (not connected)\n", envelope.Event)
		return false
	}
	select {
	case send <- envelope:
		return true
	case <-self.ctx.Done():
		return false
	default:
		glog.Infof("[cs]drop %s (backpressure)\n", envelope.Event)
		return false
	}
}

func (self *ConnectionManager) IsConnected() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state == StateConnected
}

func (self *ConnectionManager) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// Conn returns the live connection handle, or ErrNotConnected while the
// connection has not completed yet
func (self *ConnectionManager) Conn() (*websocket.Conn, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.conn == nil {
		return nil, ErrNotConnected
	}
	return self.conn, nil
}

// returns an unsub function
func (self *ConnectionManager) AddReceiveCallback(receiveCallback ReceiveFunc) func() {
	return self.receiveCallbacks.Add(receiveCallback)
}

// returns an unsub function
func (self *ConnectionManager) AddStateCallback(stateCallback ConnectionStateFunc) func() {
	return self.stateCallbacks.Add(stateCallback)
}

func (self *ConnectionManager) setState(state ConnectionState) {
	self.mutex.Lock()
	if self.state == state {
		self.mutex.Unlock()
		return
	}
	self.state = state
	self.mutex.Unlock()
	self.notifyState(state)
}

func (self *ConnectionManager) notifyState(state ConnectionState) {
	glog.V(2).Infof("[c]state %s\n", state)
	for _, stateCallback := range self.stateCallbacks.Get() {
		func() {
			defer func() {
				recover()
			}()
			stateCallback(state)
		}()
	}
}

func (self *ConnectionManager) Close() {
	self.cancel()

	self.mutex.Lock()
	conn := self.conn
	self.mutex.Unlock()
	if conn != nil {
		conn.Close()
	}
}
