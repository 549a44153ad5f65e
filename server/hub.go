// Package server is the reference room server for the collaborative session
// layer: one hub per process, one room per document id, members multiplexed
// over plain websocket connections speaking the envelope protocol.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"scrapnote.io/collab"
)

type HubSettings struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	SendBufferSize int
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  15 * time.Second,
		PingInterval: 1 * time.Second,
		// a slow member is dropped rather than holding the room back
		SendBufferSize: 256,
	}
}

type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *HubSettings

	// optional. nil disables persistence.
	store *SnapshotStore
	// optional. nil keeps fan-out in process.
	fanout *Fanout

	upgrader websocket.Upgrader

	mutex sync.Mutex
	rooms map[string]*room
}

func NewHubWithDefaults(ctx context.Context) *Hub {
	return NewHub(ctx, nil, nil, DefaultHubSettings())
}

func NewHub(ctx context.Context, store *SnapshotStore, fanout *Fanout, settings *HubSettings) *Hub {
	cancelCtx, cancel := context.WithCancel(ctx)
	hub := &Hub{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		store:    store,
		fanout:   fanout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms: map[string]*room{},
	}
	if fanout != nil {
		fanout.receive = hub.receiveFanout
	}
	return hub
}

type room struct {
	documentId string
	doc        *collab.Document
	members    map[*client]bool
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mutex  sync.Mutex
	joined map[string]bool
	// presence entry ids this member announced, per document
	awareness map[string]map[string]bool
	dropped   bool
}

// Handler returns the websocket upgrade endpoint
func (self *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := self.upgrader.Upgrade(w, r, nil)
		if err != nil {
			glog.Infof("[hub]upgrade error = %s\n", err)
			return
		}
		c := &client{
			hub:       self,
			conn:      conn,
			send:      make(chan []byte, self.settings.SendBufferSize),
			joined:    map[string]bool{},
			awareness: map[string]map[string]bool{},
		}
		go c.writePump()
		c.readPump()
	}
}

func (self *client) readPump() {
	defer func() {
		self.hub.disconnect(self)
		self.conn.Close()
	}()
	for {
		self.conn.SetReadDeadline(time.Now().Add(self.hub.settings.ReadTimeout))
		messageType, message, err := self.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if len(message) == 0 {
			// ping
			continue
		}
		envelope, err := collab.DecodeEnvelope(message)
		if err != nil {
			glog.V(2).Infof("[hub]decode error = %s\n", err)
			continue
		}
		self.hub.receive(self, envelope)
	}
}

func (self *client) writePump() {
	defer self.conn.Close()
	for {
		select {
		case message, ok := <-self.send:
			if !ok {
				self.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			self.conn.SetWriteDeadline(time.Now().Add(self.hub.settings.WriteTimeout))
			if err := self.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-time.After(self.hub.settings.PingInterval):
			self.conn.SetWriteDeadline(time.Now().Add(self.hub.settings.WriteTimeout))
			if err := self.conn.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *client) isJoined(documentId string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.joined[documentId]
}

func (self *client) setJoined(documentId string, joined bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if joined {
		self.joined[documentId] = true
	} else {
		delete(self.joined, documentId)
	}
}

func (self *client) isDropped() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.dropped
}

// drop disconnects a member that cannot keep up. the send channel is never
// closed. closing the conn unwinds the readPump, which reaps the remaining
// memberships.
func (self *client) drop() {
	self.mutex.Lock()
	if self.dropped {
		self.mutex.Unlock()
		return
	}
	self.dropped = true
	self.mutex.Unlock()
	self.conn.Close()
}

func (self *client) recordAwareness(documentId string, state []byte) {
	decoded := map[string]json.RawMessage{}
	if err := json.Unmarshal(state, &decoded); err != nil {
		return
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	ids, ok := self.awareness[documentId]
	if !ok {
		ids = map[string]bool{}
		self.awareness[documentId] = ids
	}
	for id := range decoded {
		ids[id] = true
	}
}

// clearAwareness returns a payload that nulls every presence entry this
// member announced for the document, or nil if it announced none
func (self *client) clearAwareness(documentId string) []byte {
	self.mutex.Lock()
	ids := self.awareness[documentId]
	delete(self.awareness, documentId)
	self.mutex.Unlock()

	if len(ids) == 0 {
		return nil
	}
	cleared := map[string]any{}
	for id := range ids {
		cleared[id] = nil
	}
	payload, err := json.Marshal(cleared)
	if err != nil {
		return nil
	}
	return payload
}

func (self *client) joinedDocuments() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	documentIds := make([]string, 0, len(self.joined))
	for documentId := range self.joined {
		documentIds = append(documentIds, documentId)
	}
	return documentIds
}

func (self *Hub) receive(c *client, envelope *collab.Envelope) {
	message, err := collab.FromEnvelope(envelope)
	if err != nil {
		// unknown events are ignored
		return
	}

	switch v := message.(type) {
	case *collab.JoinDocument:
		self.join(c, envelope.DocumentId)
	case *collab.LeaveDocument:
		self.leave(c, envelope.DocumentId)
	case *collab.SyncMessage:
		if v.Type != collab.SyncTypeUpdate {
			return
		}
		self.applyUpdate(c, envelope, v)
	case *collab.AwarenessMessage:
		if !c.isJoined(envelope.DocumentId) {
			self.sendError(c, envelope.DocumentId, "not joined")
			return
		}
		// remember the announced entry ids so they can be nulled out for
		// the other members when this one goes away
		c.recordAwareness(envelope.DocumentId, v.State)
		self.broadcast(envelope.DocumentId, envelope, c)
		self.publish(envelope)
	case *collab.ScrapPost, *collab.PostDeleted:
		if !c.isJoined(envelope.DocumentId) {
			self.sendError(c, envelope.DocumentId, "not joined")
			return
		}
		self.broadcast(envelope.DocumentId, envelope, c)
		self.publish(envelope)
	}
}

func (self *Hub) join(c *client, documentId string) {
	if documentId == "" {
		self.sendError(c, documentId, "missing document id")
		return
	}

	self.mutex.Lock()
	rm, ok := self.rooms[documentId]
	if !ok {
		rm = &room{
			documentId: documentId,
			doc:        collab.NewDocument("server"),
			members:    map[*client]bool{},
		}
		if self.store != nil {
			if state, err := self.store.LoadState(documentId); err == nil && 0 < len(state) {
				if err := rm.doc.ApplyUpdate(state); err != nil {
					glog.Infof("[hub]%s snapshot replay error = %s\n", documentId, err)
				}
			}
		}
		self.rooms[documentId] = rm
		if self.fanout != nil {
			self.fanout.Subscribe(documentId)
		}
		glog.V(2).Infof("[hub]room %s open\n", documentId)
	}
	if rm.members[c] {
		// joining twice is a no-op, the ack is still re-sent
		self.mutex.Unlock()
		self.sendTo(c, mustEnvelope(documentId, &collab.JoinedDocument{}))
		return
	}
	rm.members[c] = true
	state := rm.doc.State()
	count := len(rm.members)
	self.mutex.Unlock()

	c.setJoined(documentId, true)

	// ack, then the current state, then the explicit sync-complete signal
	self.sendTo(c, mustEnvelope(documentId, &collab.JoinedDocument{}))
	self.sendTo(c, mustEnvelope(documentId, &collab.SyncMessage{
		Type:   collab.SyncTypeUpdate,
		Update: state,
	}))
	self.sendTo(c, mustEnvelope(documentId, &collab.SyncMessage{
		Type: collab.SyncTypeSyncDone,
	}))

	self.broadcast(documentId, mustEnvelope(documentId, &collab.UserJoined{}), c)
	self.broadcastCount(documentId, count)
}

func (self *Hub) leave(c *client, documentId string) {
	c.setJoined(documentId, false)

	self.mutex.Lock()
	rm, ok := self.rooms[documentId]
	if !ok {
		self.mutex.Unlock()
		return
	}
	delete(rm.members, c)
	count := len(rm.members)
	if count == 0 {
		delete(self.rooms, documentId)
		if self.fanout != nil {
			self.fanout.Unsubscribe(documentId)
		}
		glog.V(2).Infof("[hub]room %s close\n", documentId)
	}
	self.mutex.Unlock()

	if 0 < count {
		if cleared := c.clearAwareness(documentId); cleared != nil {
			self.broadcast(documentId, mustEnvelope(documentId, &collab.AwarenessMessage{
				State: cleared,
			}), nil)
		}
		self.broadcast(documentId, mustEnvelope(documentId, &collab.UserLeft{}), nil)
		self.broadcastCount(documentId, count)
	}
}

func (self *Hub) disconnect(c *client) {
	for _, documentId := range c.joinedDocuments() {
		self.leave(c, documentId)
	}
}

func (self *Hub) applyUpdate(c *client, envelope *collab.Envelope, message *collab.SyncMessage) {
	documentId := envelope.DocumentId
	if !c.isJoined(documentId) {
		self.sendError(c, documentId, "not joined")
		return
	}

	self.mutex.Lock()
	rm := self.rooms[documentId]
	self.mutex.Unlock()
	if rm == nil {
		return
	}

	if err := rm.doc.ApplyUpdate(message.Update); err != nil {
		glog.Infof("[hub]%s apply error = %s\n", documentId, err)
		self.sendError(c, documentId, "malformed update")
		return
	}
	if self.store != nil {
		if err := self.store.SaveState(documentId, rm.doc.State()); err != nil {
			glog.Infof("[hub]%s snapshot error = %s\n", documentId, err)
		}
	}

	// ack the sender, fan the update out to everyone else
	self.sendTo(c, mustEnvelope(documentId, &collab.UpdateAck{
		UpdateId: message.UpdateId,
	}))
	self.broadcast(documentId, envelope, c)
	self.publish(envelope)
}

// broadcast sends the envelope to every room member except `skip`
func (self *Hub) broadcast(documentId string, envelope *collab.Envelope, skip *client) {
	message, err := collab.EncodeEnvelope(envelope)
	if err != nil {
		return
	}

	self.mutex.Lock()
	rm := self.rooms[documentId]
	if rm == nil {
		self.mutex.Unlock()
		return
	}
	members := make([]*client, 0, len(rm.members))
	for member := range rm.members {
		if member != skip && !member.isDropped() {
			members = append(members, member)
		}
	}
	self.mutex.Unlock()

	for _, member := range members {
		select {
		case member.send <- message:
		default:
			// backpressure. drop the member rather than the room.
			glog.Infof("[hub]%s drop slow member\n", documentId)
			member.drop()
			self.leave(member, documentId)
		}
	}
}

func (self *Hub) broadcastCount(documentId string, count int) {
	self.broadcast(documentId, mustEnvelope(documentId, &collab.UserCountUpdate{
		Count: count,
	}), nil)
}

func (self *Hub) sendTo(c *client, envelope *collab.Envelope) {
	if c.isDropped() {
		return
	}
	message, err := collab.EncodeEnvelope(envelope)
	if err != nil {
		return
	}
	select {
	case c.send <- message:
	default:
	}
}

func (self *Hub) sendError(c *client, documentId string, errorMessage string) {
	self.sendTo(c, mustEnvelope(documentId, &collab.RoomError{
		Error: errorMessage,
	}))
}

// publish forwards the envelope to peer hub instances
func (self *Hub) publish(envelope *collab.Envelope) {
	if self.fanout == nil {
		return
	}
	if err := self.fanout.Publish(self.ctx, envelope); err != nil {
		glog.Infof("[hub]fanout publish error = %s\n", err)
	}
}

// receiveFanout applies an envelope relayed from a peer hub instance
func (self *Hub) receiveFanout(envelope *collab.Envelope) {
	if envelope.Event == collab.EventSync {
		message, err := collab.FromEnvelope(envelope)
		if err != nil {
			return
		}
		if sync, ok := message.(*collab.SyncMessage); ok && sync.Type == collab.SyncTypeUpdate {
			self.mutex.Lock()
			rm := self.rooms[envelope.DocumentId]
			self.mutex.Unlock()
			if rm != nil {
				rm.doc.ApplyUpdate(sync.Update)
			}
		}
	}
	self.broadcast(envelope.DocumentId, envelope, nil)
}

func mustEnvelope(documentId string, message any) *collab.Envelope {
	envelope, err := collab.ToEnvelope(documentId, message)
	if err != nil {
		panic(err)
	}
	return envelope
}

func (self *Hub) Close() {
	self.cancel()

	self.mutex.Lock()
	rooms := self.rooms
	self.rooms = map[string]*room{}
	self.mutex.Unlock()
	for _, rm := range rooms {
		for member := range rm.members {
			member.conn.Close()
		}
	}
}
