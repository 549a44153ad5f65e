package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type SyncStatus int

const (
	StatusUninitialized SyncStatus = iota
	StatusInitializing
	StatusSyncing
	StatusSynced
)

func (self SyncStatus) String() string {
	switch self {
	case StatusUninitialized:
		return "uninitialized"
	case StatusInitializing:
		return "initializing"
	case StatusSyncing:
		return "syncing"
	case StatusSynced:
		return "synced"
	default:
		return "unknown"
	}
}

type SyncStatusFunc func(status SyncStatus)

// SyncSession wraps the replicated document for one document id: it drives
// the update exchange with the server, owns the presence channel, and feeds
// every local edit through the pending update buffer. The session keeps
// buffering local edits while disconnected.
//
// Sessions are owned by a SessionManager and obtained through Open.
type SyncSession struct {
	documentId string

	sessionManager *SessionManager
	room           *Room

	statusCallbacks *CallbackList[SyncStatusFunc]

	initOnce sync.Once

	mutex     sync.Mutex
	status    SyncStatus
	doc       *Document
	awareness *Awareness
	presence  *PresenceTracker
	pending   *PendingUpdateSet
	unsubs    []func()
}

// start lazily creates the replicated document and presence tracker,
// exactly once per session, and enters the room
func (self *SyncSession) start() {
	self.initOnce.Do(func() {
		self.setStatus(StatusInitializing)

		clientId := NewId().String()
		if claims, err := ParseAuthUnverified(self.sessionManager.connectionManager.auth.AuthToken); err == nil && claims.UserId != "" {
			clientId = claims.UserId
		}

		doc := NewDocument(clientId)
		awareness := NewAwareness()
		presence := NewPresenceTracker(awareness)
		pending := NewPendingUpdateSet(self.documentId, self.sessionManager.connectionManager)

		unsubDoc := doc.AddUpdateCallback(func(update []byte, remote bool) {
			if remote {
				return
			}
			pending.Add(update)
		})
		unsubRoom := self.room.AddReceiveCallback(self.receive)

		self.mutex.Lock()
		self.doc = doc
		self.awareness = awareness
		self.presence = presence
		self.pending = pending
		self.unsubs = append(self.unsubs, unsubDoc, unsubRoom)
		self.mutex.Unlock()

		self.room.Join()
		self.setStatus(StatusSyncing)
	})
}

func (self *SyncSession) DocumentId() string {
	return self.documentId
}

func (self *SyncSession) receive(envelope *Envelope, message any) {
	switch v := message.(type) {
	case *JoinedDocument:
		// a join ack also arrives after a reconnect. anything buffered
		// while the connection was down goes out now.
		self.mutex.Lock()
		pending := self.pending
		self.mutex.Unlock()
		if pending != nil {
			pending.Flush()
		}
	case *SyncMessage:
		switch v.Type {
		case SyncTypeUpdate:
			if 0 < len(v.Update) {
				self.mutex.Lock()
				doc := self.doc
				self.mutex.Unlock()
				if doc != nil {
					// apply must not corrupt state on a malformed payload
					if err := doc.ApplyUpdate(v.Update); err != nil {
						glog.Infof("[s]%s apply error = %s\n", self.documentId, err)
					}
				}
			}
		case SyncTypeSyncDone:
			// synced is flipped only by this explicit signal,
			// never inferred from timers
			self.setStatus(StatusSynced)
		}
	case *UpdateAck:
		self.mutex.Lock()
		pending := self.pending
		self.mutex.Unlock()
		if pending != nil {
			pending.Ack(v.UpdateId)
		}
	case *AwarenessMessage:
		self.mutex.Lock()
		awareness := self.awareness
		self.mutex.Unlock()
		if awareness != nil {
			awareness.Apply(v.State)
		}
	}
}

// Text returns the document text, or false while the document has not been
// created yet
func (self *SyncSession) Text() (string, bool) {
	self.mutex.Lock()
	doc := self.doc
	self.mutex.Unlock()
	if doc == nil {
		return "", false
	}
	return doc.Text(), true
}

// Document returns nil before the session started
func (self *SyncSession) Document() *Document {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.doc
}

func (self *SyncSession) Awareness() *Awareness {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.awareness
}

func (self *SyncSession) Presence() *PresenceTracker {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.presence
}

func (self *SyncSession) Pending() *PendingUpdateSet {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.pending
}

func (self *SyncSession) Room() *Room {
	return self.room
}

// SetLocalAwareness publishes the local presence state to the room
func (self *SyncSession) SetLocalAwareness(state *AwarenessState) {
	self.mutex.Lock()
	awareness := self.awareness
	self.mutex.Unlock()
	if awareness == nil {
		return
	}
	awareness.SetLocalState(state)
	envelope, err := ToEnvelope(self.documentId, &AwarenessMessage{
		State: awareness.Encode(),
	})
	if err != nil {
		panic(err)
	}
	self.sessionManager.connectionManager.Send(envelope)
}

func (self *SyncSession) IsSynced() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.status == StatusSynced
}

func (self *SyncSession) Status() SyncStatus {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.status
}

func (self *SyncSession) IsConnected() bool {
	return self.sessionManager.connectionManager.IsConnected()
}

// returns an unsub function
func (self *SyncSession) AddStatusCallback(callback SyncStatusFunc) func() {
	return self.statusCallbacks.Add(callback)
}

func (self *SyncSession) setStatus(status SyncStatus) {
	self.mutex.Lock()
	if self.status == status {
		self.mutex.Unlock()
		return
	}
	self.status = status
	self.mutex.Unlock()

	glog.V(2).Infof("[s]%s status %s\n", self.documentId, status)
	for _, callback := range self.statusCallbacks.Get() {
		safeCallback(func() {
			callback(status)
		})
	}
}

// Close hands the session back to the manager. Destruction is deferred by a
// short grace window so a remount that claims the same document id keeps the
// live resources.
func (self *SyncSession) Close() {
	self.sessionManager.release(self.documentId)
}

// destroy tears the session down for real
func (self *SyncSession) destroy() {
	// null out the local presence entry so peers stop rendering this
	// cursor. abrupt disconnects are reaped server side.
	self.SetLocalAwareness(nil)

	self.mutex.Lock()
	unsubs := self.unsubs
	self.unsubs = nil
	awareness := self.awareness
	presence := self.presence
	self.mutex.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if presence != nil {
		presence.Close()
	}
	if awareness != nil {
		awareness.Close()
	}
	// best effort even when the connection is already degraded
	self.room.Leave()
	self.setStatus(StatusUninitialized)
}

type SessionManagerSettings struct {
	// how long a released session lingers before its resources are
	// destroyed. absorbs mount/unmount churn such as development-mode
	// double invocation.
	DestroyGraceTimeout time.Duration
}

func DefaultSessionManagerSettings() *SessionManagerSettings {
	return &SessionManagerSettings{
		DestroyGraceTimeout: 50 * time.Millisecond,
	}
}

// SessionManager owns at most one live SyncSession per document id and
// defers destruction by a grace window keyed by document id, so rapid
// close-then-open churn never produces two live sessions for one document.
type SessionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectionManager *ConnectionManager
	roomManager       *RoomManager
	settings          *SessionManagerSettings

	mutex         sync.Mutex
	sessions      map[string]*SyncSession
	destroyTimers map[string]*time.Timer
}

func NewSessionManagerWithDefaults(ctx context.Context, connectionManager *ConnectionManager) *SessionManager {
	return NewSessionManager(ctx, connectionManager, DefaultSessionManagerSettings())
}

func NewSessionManager(
	ctx context.Context,
	connectionManager *ConnectionManager,
	settings *SessionManagerSettings,
) *SessionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SessionManager{
		ctx:               cancelCtx,
		cancel:            cancel,
		connectionManager: connectionManager,
		roomManager:       NewRoomManager(connectionManager),
		settings:          settings,
		sessions:          map[string]*SyncSession{},
		destroyTimers:     map[string]*time.Timer{},
	}
}

// Open returns the live session for the document id, creating it on first
// use. Reopening within the destroy grace window cancels the pending
// destroy and returns the same session with its resources intact.
func (self *SessionManager) Open(documentId string) *SyncSession {
	self.mutex.Lock()
	if timer, ok := self.destroyTimers[documentId]; ok {
		timer.Stop()
		delete(self.destroyTimers, documentId)
		glog.V(2).Infof("[s]%s reclaim\n", documentId)
	}
	session, ok := self.sessions[documentId]
	if !ok {
		session = &SyncSession{
			documentId:      documentId,
			sessionManager:  self,
			room:            self.roomManager.Open(documentId),
			statusCallbacks: NewCallbackList[SyncStatusFunc](),
			status:          StatusUninitialized,
		}
		self.sessions[documentId] = session
	}
	self.mutex.Unlock()

	session.start()
	return session
}

func (self *SessionManager) release(documentId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	session, ok := self.sessions[documentId]
	if !ok {
		return
	}
	if _, ok := self.destroyTimers[documentId]; ok {
		// already released
		return
	}
	self.destroyTimers[documentId] = time.AfterFunc(self.settings.DestroyGraceTimeout, func() {
		self.mutex.Lock()
		if _, ok := self.destroyTimers[documentId]; !ok {
			// reclaimed in the grace window
			self.mutex.Unlock()
			return
		}
		delete(self.destroyTimers, documentId)
		delete(self.sessions, documentId)
		self.mutex.Unlock()

		self.roomManager.remove(documentId)
		session.destroy()
	})
}

func (self *SessionManager) Close() {
	self.cancel()

	self.mutex.Lock()
	sessions := make([]*SyncSession, 0, len(self.sessions))
	for _, session := range self.sessions {
		sessions = append(sessions, session)
	}
	self.sessions = map[string]*SyncSession{}
	for _, timer := range self.destroyTimers {
		timer.Stop()
	}
	self.destroyTimers = map[string]*time.Timer{}
	self.mutex.Unlock()

	for _, session := range sessions {
		session.destroy()
	}
	self.roomManager.Close()
}
