package collab

import (
	"sync"

	"github.com/golang/glog"
)

// decoded message scoped to one room. the envelope is included because some
// events share a payload shape and differ only by event name.
type RoomReceiveFunc func(envelope *Envelope, message any)

// RoomManager multiplexes logical document rooms over one connection.
// Inbound envelopes are routed to the room matching their document id.
type RoomManager struct {
	connectionManager *ConnectionManager

	unsubReceive func()
	unsubState   func()

	mutex sync.Mutex
	rooms map[string]*Room
}

func NewRoomManager(connectionManager *ConnectionManager) *RoomManager {
	roomManager := &RoomManager{
		connectionManager: connectionManager,
		rooms:             map[string]*Room{},
	}
	roomManager.unsubReceive = connectionManager.AddReceiveCallback(roomManager.receive)
	roomManager.unsubState = connectionManager.AddStateCallback(roomManager.connectionState)
	return roomManager
}

// Open returns the room for the document id, creating it on first use.
// One room per document id per manager.
func (self *RoomManager) Open(documentId string) *Room {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if room, ok := self.rooms[documentId]; ok {
		return room
	}
	room := &Room{
		documentId:        documentId,
		connectionManager: self.connectionManager,
		receiveCallbacks:  NewCallbackList[RoomReceiveFunc](),
	}
	self.rooms[documentId] = room
	return room
}

func (self *RoomManager) remove(documentId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.rooms, documentId)
}

func (self *RoomManager) receive(envelope *Envelope) {
	self.mutex.Lock()
	room := self.rooms[envelope.DocumentId]
	self.mutex.Unlock()
	if room == nil {
		glog.V(2).Infof("[r]drop %s for unknown document %s\n", envelope.Event, envelope.DocumentId)
		return
	}
	room.receive(envelope)
}

func (self *RoomManager) connectionState(state ConnectionState) {
	self.mutex.Lock()
	rooms := make([]*Room, 0, len(self.rooms))
	for _, room := range self.rooms {
		rooms = append(rooms, room)
	}
	self.mutex.Unlock()
	for _, room := range rooms {
		room.connectionState(state)
	}
}

func (self *RoomManager) Close() {
	self.unsubReceive()
	self.unsubState()

	self.mutex.Lock()
	rooms := make([]*Room, 0, len(self.rooms))
	for _, room := range self.rooms {
		rooms = append(rooms, room)
	}
	self.rooms = map[string]*Room{}
	self.mutex.Unlock()
	for _, room := range rooms {
		room.leave()
	}
}

// Room tracks join state for one document over the shared connection.
type Room struct {
	documentId        string
	connectionManager *ConnectionManager

	receiveCallbacks *CallbackList[RoomReceiveFunc]

	mutex sync.Mutex
	// join was requested by the owner
	wantJoin bool
	// join_document was sent on the current connection
	joinSent bool
	// joined-document was acknowledged on the current connection
	joined bool
}

func (self *Room) DocumentId() string {
	return self.documentId
}

// Join enters the room. Sent at most once per (connection, document) pair.
// If the connection is not live yet, the join is issued as soon as it is.
// There is no ack timeout. Until the ack arrives the room just reads as not
// joined, which downstream consumers treat as not synchronized.
func (self *Room) Join() {
	self.mutex.Lock()
	self.wantJoin = true
	self.mutex.Unlock()
	self.maybeSendJoin()
}

func (self *Room) maybeSendJoin() {
	self.mutex.Lock()
	if !self.wantJoin || self.joinSent || !self.connectionManager.IsConnected() {
		self.mutex.Unlock()
		return
	}
	self.joinSent = true
	self.mutex.Unlock()

	auth := self.connectionManager.auth
	envelope, err := ToEnvelope(self.documentId, &JoinDocument{
		ShareToken: auth.ShareToken,
		AuthToken:  auth.AuthToken,
	})
	if err != nil {
		panic(err)
	}
	if !self.connectionManager.Send(envelope) {
		// connection dropped between the check and the send. the next
		// connected transition retries
		self.mutex.Lock()
		self.joinSent = false
		self.mutex.Unlock()
	}
	glog.V(2).Infof("[r]join %s\n", self.documentId)
}

// Leave exits the room, fire and forget. Safe to call with the connection
// already degraded.
func (self *Room) Leave() {
	self.leave()
}

func (self *Room) leave() {
	self.mutex.Lock()
	self.wantJoin = false
	self.joinSent = false
	self.joined = false
	self.mutex.Unlock()

	envelope, err := ToEnvelope(self.documentId, &LeaveDocument{})
	if err != nil {
		panic(err)
	}
	// best effort. a false return means the connection is already down,
	// in which case the server reaps the membership on disconnect
	self.connectionManager.Send(envelope)
	glog.V(2).Infof("[r]leave %s\n", self.documentId)
}

func (self *Room) IsJoined() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.joined
}

// returns an unsub function
func (self *Room) AddReceiveCallback(receiveCallback RoomReceiveFunc) func() {
	return self.receiveCallbacks.Add(receiveCallback)
}

func (self *Room) receive(envelope *Envelope) {
	message, err := FromEnvelope(envelope)
	if err != nil {
		// unknown event. the raw envelope still reaches consumers with a
		// nil message, so forward-compatible handlers can opt in. typed
		// consumers fall through their switch and ignore it.
		glog.V(2).Infof("[r]%s unknown %s\n", self.documentId, envelope.Event)
	}

	switch v := message.(type) {
	case *JoinedDocument:
		self.mutex.Lock()
		self.joined = true
		self.mutex.Unlock()
		glog.V(2).Infof("[r]joined %s\n", self.documentId)
	case *RoomError:
		// room errors surface to consumers but do not tear down the
		// connection
		glog.Infof("[r]%s error = %s %s\n", self.documentId, v.Error, v.Message)
	}

	for _, receiveCallback := range self.receiveCallbacks.Get() {
		func() {
			defer func() {
				recover()
			}()
			receiveCallback(envelope, message)
		}()
	}
}

func (self *Room) connectionState(state ConnectionState) {
	switch state {
	case StateConnected:
		self.maybeSendJoin()
	case StateDisconnected, StateError:
		self.mutex.Lock()
		self.joinSent = false
		self.joined = false
		self.mutex.Unlock()
	}
}
