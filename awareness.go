package collab

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// ephemeral per-peer state. lives exactly as long as the peer's connection,
// never persisted.
type AwarenessState struct {
	Name        string  `json:"name"`
	Color       string  `json:"color"`
	BorderColor string  `json:"borderColor"`
	Cursor      *Cursor `json:"cursor,omitempty"`
}

type AwarenessUpdateFunc func()

// Awareness is the presence channel for one document. The wire payload is a
// json map of numeric client id to state. A null state clears the entry,
// which is how peer disconnects propagate.
type Awareness struct {
	clientId uint64

	updateCallbacks *CallbackList[AwarenessUpdateFunc]

	mutex  sync.Mutex
	states map[uint64]*AwarenessState
	closed bool
}

func NewAwareness() *Awareness {
	return &Awareness{
		// ephemeral numeric client id, unique enough per connection lifetime
		clientId:        uint64(uuid.New().ID()),
		updateCallbacks: NewCallbackList[AwarenessUpdateFunc](),
		states:          map[uint64]*AwarenessState{},
	}
}

func (self *Awareness) ClientId() uint64 {
	return self.clientId
}

func (self *Awareness) SetLocalState(state *AwarenessState) {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	if state == nil {
		delete(self.states, self.clientId)
	} else {
		self.states[self.clientId] = state
	}
	self.mutex.Unlock()
	self.notify()
}

func (self *Awareness) ClearLocalState() {
	self.SetLocalState(nil)
}

func (self *Awareness) LocalState() *AwarenessState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.states[self.clientId]
}

// States returns a copy of the full peer map including the local entry
func (self *Awareness) States() map[uint64]*AwarenessState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := map[uint64]*AwarenessState{}
	maps.Copy(out, self.states)
	return out
}

// Encode packs the local state for broadcast
func (self *Awareness) Encode() []byte {
	self.mutex.Lock()
	payload := map[string]*AwarenessState{
		strconv.FormatUint(self.clientId, 10): self.states[self.clientId],
	}
	self.mutex.Unlock()

	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return b
}

// Apply merges an inbound presence payload. Entries with a null state are
// removed. A malformed payload is dropped.
func (self *Awareness) Apply(payload []byte) {
	decoded := map[string]*AwarenessState{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		glog.V(2).Infof("[a]drop malformed presence payload\n")
		return
	}

	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	for clientIdStr, state := range decoded {
		clientId, err := strconv.ParseUint(clientIdStr, 10, 64)
		if err != nil {
			continue
		}
		if clientId == self.clientId {
			// the local entry is owned locally
			continue
		}
		if state == nil {
			delete(self.states, clientId)
		} else {
			self.states[clientId] = state
		}
	}
	self.mutex.Unlock()
	self.notify()
}

// returns an unsub function. after Close both subscribe and unsubscribe are
// no-ops, so a racing teardown path cannot fault.
func (self *Awareness) AddUpdateCallback(callback AwarenessUpdateFunc) func() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return func() {}
	}
	self.mutex.Unlock()
	return self.updateCallbacks.Add(callback)
}

func (self *Awareness) notify() {
	for _, callback := range self.updateCallbacks.Get() {
		func() {
			defer func() {
				recover()
			}()
			callback()
		}()
	}
}

func (self *Awareness) Close() {
	self.mutex.Lock()
	self.closed = true
	self.states = map[uint64]*AwarenessState{}
	self.mutex.Unlock()
	self.updateCallbacks.Clear()
}

type Peer struct {
	ClientId uint64
	State    AwarenessState
}

// PresenceTracker maintains the visible peer list for rendering: every
// awareness entry except the local client, rebuilt wholesale on each update
// notification so stale entries cannot linger. Order is arrival order and
// stays stable while a peer remains connected.
type PresenceTracker struct {
	awareness *Awareness
	unsub     func()

	mutex sync.Mutex
	order []uint64
	peers map[uint64]AwarenessState
}

func NewPresenceTracker(awareness *Awareness) *PresenceTracker {
	presenceTracker := &PresenceTracker{
		awareness: awareness,
		order:     []uint64{},
		peers:     map[uint64]AwarenessState{},
	}
	presenceTracker.unsub = awareness.AddUpdateCallback(presenceTracker.rebuild)
	presenceTracker.rebuild()
	return presenceTracker
}

func (self *PresenceTracker) rebuild() {
	states := self.awareness.States()
	delete(states, self.awareness.ClientId())

	self.mutex.Lock()
	defer self.mutex.Unlock()

	nextOrder := []uint64{}
	for _, clientId := range self.order {
		if _, ok := states[clientId]; ok {
			nextOrder = append(nextOrder, clientId)
		}
	}
	for clientId := range states {
		if !slices.Contains(nextOrder, clientId) {
			nextOrder = append(nextOrder, clientId)
		}
	}

	nextPeers := map[uint64]AwarenessState{}
	for clientId, state := range states {
		nextPeers[clientId] = *state
	}
	self.order = nextOrder
	self.peers = nextPeers
}

func (self *PresenceTracker) Peers() []Peer {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	peers := make([]Peer, 0, len(self.order))
	for _, clientId := range self.order {
		if state, ok := self.peers[clientId]; ok {
			peers = append(peers, Peer{
				ClientId: clientId,
				State:    state,
			})
		}
	}
	return peers
}

// Close detaches from the awareness channel. Safe to call after the channel
// itself was already destroyed by a concurrent teardown.
func (self *PresenceTracker) Close() {
	if self.unsub != nil {
		self.unsub()
		self.unsub = nil
	}
}
