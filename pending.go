package collab

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

type pendingUpdate struct {
	updateId Id
	update   []byte
}

// PendingUpdateSet is the durability safety net for local edits: every
// update is appended here before transmission is attempted and removed only
// when the server acknowledges it. Whatever is still here at teardown time
// is exactly what would be lost.
type PendingUpdateSet struct {
	documentId        string
	connectionManager *ConnectionManager

	mutex sync.Mutex
	// ordered by append
	pending []pendingUpdate
}

func NewPendingUpdateSet(documentId string, connectionManager *ConnectionManager) *PendingUpdateSet {
	return &PendingUpdateSet{
		documentId:        documentId,
		connectionManager: connectionManager,
		pending:           []pendingUpdate{},
	}
}

// Add appends the update and then attempts transmission. The append happens
// first, so an edit made while disconnected is retransmitted by the next
// flush instead of vanishing.
func (self *PendingUpdateSet) Add(update []byte) Id {
	updateId := NewId()

	self.mutex.Lock()
	self.pending = append(self.pending, pendingUpdate{
		updateId: updateId,
		update:   update,
	})
	self.mutex.Unlock()

	self.transmit(updateId, update)
	return updateId
}

func (self *PendingUpdateSet) transmit(updateId Id, update []byte) bool {
	envelope, err := ToEnvelope(self.documentId, &SyncMessage{
		Type:     SyncTypeUpdate,
		UpdateId: updateId,
		Update:   update,
	})
	if err != nil {
		panic(err)
	}
	return self.connectionManager.Send(envelope)
}

// Ack removes the acknowledged update
func (self *PendingUpdateSet) Ack(updateId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.pending = slices.DeleteFunc(self.pending, func(p pendingUpdate) bool {
		return p.updateId == updateId
	})
}

func (self *PendingUpdateSet) HasPending() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return 0 < len(self.pending)
}

func (self *PendingUpdateSet) PendingCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.pending)
}

// Flush synchronously retransmits everything pending, in append order.
// Returns the number of updates handed to the transport.
func (self *PendingUpdateSet) Flush() int {
	self.mutex.Lock()
	pending := slices.Clone(self.pending)
	self.mutex.Unlock()

	sent := 0
	for _, p := range pending {
		if self.transmit(p.updateId, p.update) {
			sent++
		}
	}
	if 0 < len(pending) {
		glog.V(2).Infof("[p]%s flush %d/%d\n", self.documentId, sent, len(pending))
	}
	return sent
}

// invoked when termination would lose `pendingCount` updates
type WarnFunc func(pendingCount int)

type FlushGuardSettings struct {
	// how long to wait for acks after the final flush
	AckTimeout  time.Duration
	AckPollTime time.Duration
}

func DefaultFlushGuardSettings() *FlushGuardSettings {
	return &FlushGuardSettings{
		AckTimeout:  2 * time.Second,
		AckPollTime: 10 * time.Millisecond,
	}
}

// FlushGuard is the process analog of a page-unload handler: on a
// termination signal it flushes every watched pending set, waits a bounded
// time for acks, and if edits would still be lost it calls the warn
// callback. This is the one place user-visible disruption is preferred over
// silent data loss.
type FlushGuard struct {
	ctx    context.Context
	cancel context.CancelFunc

	warn     WarnFunc
	settings *FlushGuardSettings

	mutex   sync.Mutex
	watched []*PendingUpdateSet
}

func NewFlushGuardWithDefaults(ctx context.Context, warn WarnFunc) *FlushGuard {
	return NewFlushGuard(ctx, warn, DefaultFlushGuardSettings())
}

func NewFlushGuard(ctx context.Context, warn WarnFunc, settings *FlushGuardSettings) *FlushGuard {
	cancelCtx, cancel := context.WithCancel(ctx)
	flushGuard := &FlushGuard{
		ctx:      cancelCtx,
		cancel:   cancel,
		warn:     warn,
		settings: settings,
		watched:  []*PendingUpdateSet{},
	}
	go flushGuard.run()
	return flushGuard
}

func (self *FlushGuard) run() {
	terminate := make(chan os.Signal, 1)
	signal.Notify(terminate, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(terminate)

	select {
	case <-self.ctx.Done():
		return
	case <-terminate:
		self.HandleTermination()
	}
}

func (self *FlushGuard) Watch(pendingUpdateSet *PendingUpdateSet) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.watched = append(self.watched, pendingUpdateSet)
}

// HandleTermination flushes everything and reports whether shutdown can
// proceed without losing edits. When it cannot, the warn callback has
// already fired and the caller decides whether to block.
func (self *FlushGuard) HandleTermination() bool {
	self.mutex.Lock()
	watched := slices.Clone(self.watched)
	self.mutex.Unlock()

	for _, pendingUpdateSet := range watched {
		pendingUpdateSet.Flush()
	}

	deadline := time.Now().Add(self.settings.AckTimeout)
	for {
		pendingCount := 0
		for _, pendingUpdateSet := range watched {
			pendingCount += pendingUpdateSet.PendingCount()
		}
		if pendingCount == 0 {
			return true
		}
		if deadline.Before(time.Now()) {
			glog.Infof("[p]%d unsaved update(s) at termination\n", pendingCount)
			if self.warn != nil {
				safeCallback(func() {
					self.warn(pendingCount)
				})
			}
			return false
		}
		select {
		case <-self.ctx.Done():
			return false
		case <-time.After(self.settings.AckPollTime):
		}
	}
}

func (self *FlushGuard) Close() {
	self.cancel()
}
